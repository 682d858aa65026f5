package protocol

// joinGame (client -> server)
type JoinGame struct {
	Name string `json:"name"`
}

// joinSuccess / newPlayer payload, and the values of currentPlayers.
type PlayerInfo struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Rotation float64 `json:"rotation"`
}

// joinError (server -> requester)
type JoinError struct {
	Message string `json:"message"`
}

// playerMove (client -> server): a whole-record replace, trusted verbatim.
type PlayerMove struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Rotation float64 `json:"rotation"`
}

// playerMoved (server -> all others)
type PlayerMoved struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Rotation float64 `json:"rotation"`
}

// blockPlace (client -> server) and blockPlaced (server -> all others).
type Block struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	Type int     `json:"type"`
}

// blockRemove (client -> server), blockRemoved (server -> all others),
// blockSaveSuccess (server -> requester).
type BlockTarget struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// blockSaveError (server -> requester)
type BlockSaveError struct {
	Message string `json:"message"`
}

// chatMessage (client -> server)
type ChatPost struct {
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

// chatUpdate entries (server -> all). IDs are time-derived and strictly
// monotonic per hub.
type ChatMessage struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// playerDisconnected (server -> all)
type PlayerDisconnected struct {
	ID string `json:"id"`
}
