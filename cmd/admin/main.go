package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"voxellobby.io/internal/persistence/worlddb"
)

func main() {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/world.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(os.Args[1:])

	cmd := "blocks"
	if fs.NArg() > 0 {
		cmd = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch cmd {
	case "init":
		if err := worlddb.InitSchema(db); err != nil {
			fmt.Fprintln(os.Stderr, "init:", err)
			os.Exit(1)
		}
		fmt.Println("schema ready")

	case "blocks":
		if *limit <= 0 {
			*limit = 20
		}
		rows, err := db.Query(`SELECT id, x, y, z, type, created_at FROM blocks ORDER BY id DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID        int64   `json:"id"`
				X         float64 `json:"x"`
				Y         float64 `json:"y"`
				Z         float64 `json:"z"`
				Type      int     `json:"type"`
				CreatedAt string  `json:"created_at"`
			}
			if err := rows.Scan(&r.ID, &r.X, &r.Y, &r.Z, &r.Type, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "messages":
		if *limit <= 0 {
			*limit = 20
		}
		rows, err := db.Query(`SELECT id, text, author, created_at FROM messages ORDER BY id DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID        int64  `json:"id"`
				Text      string `json:"text"`
				Author    string `json:"author"`
				CreatedAt int64  `json:"created_at"`
			}
			if err := rows.Scan(&r.ID, &r.Text, &r.Author, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "wipe":
		for _, table := range []string{"blocks", "messages"} {
			if _, err := db.Exec(`DELETE FROM ` + table); err != nil {
				fmt.Fprintln(os.Stderr, "wipe:", err)
				os.Exit(1)
			}
		}
		fmt.Println("wiped")

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want init|blocks|messages|wipe)\n", cmd)
		os.Exit(2)
	}
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
