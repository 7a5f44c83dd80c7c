package hub

import "encoding/json"

// Event names carried in the envelope.
const (
	EventJoin           = "join"
	EventMessage        = "message"
	EventUpload         = "upload"
	EventRecentMessages = "recentMessages"
	EventUploadSuccess  = "uploadSuccess"
	EventUploadError    = "uploadError"
)

// Fixed notice and acknowledgement texts.
const (
	JoinNotice        = "A user has joined the room."
	UploadOK          = "File uploaded successfully"
	UploadFileFailed  = "Error uploading file"
	UploadStoreFailed = "Error saving to database"
)

// Envelope is one WebSocket frame as sent by a client.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound is one WebSocket frame as sent by the server.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinPayload is the data of a join event.
type JoinPayload struct {
	Room string `json:"room"`
}

// UploadPayload is the data of an upload event. Buffer travels as base64.
type UploadPayload struct {
	Filename string `json:"filename" validate:"required"`
	Buffer   []byte `json:"buffer"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}
