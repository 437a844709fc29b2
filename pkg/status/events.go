// Package status implements the agent's event bus: workers publish typed
// events, and a WebSocket endpoint fans them out to connected frontends
// as tagged JSON frames.
package status

import "encoding/json"

// Event is anything a worker can publish to the hub. Message returns the
// discriminator value carried in the "message" field of the JSON frame.
type Event interface {
	Message() string
}

// Publisher is the side of the hub exposed to workers.
type Publisher interface {
	Publish(Event)
}

// envelope is the on-the-wire frame shape, both directions.
type envelope struct {
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ErrorEvent reports a worker-level failure.
type ErrorEvent struct {
	Description string `json:"description"`
}

func (ErrorEvent) Message() string { return "error" }

// UploadError reports a failed import group.
type UploadError struct {
	ImportID    string `json:"import_id"`
	Description string `json:"description"`
}

func (UploadError) Message() string { return "upload_error" }

// IncomingProxyRequest reports one request accepted by the HTTP proxy.
type IncomingProxyRequest struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
}

func (IncomingProxyRequest) Message() string { return "incoming_proxy_request" }

// FileQueuedForUpload reports a file inserted into the upload queue.
type FileQueuedForUpload struct {
	ImportID string `json:"import_id"`
	Path     string `json:"path"`
}

func (FileQueuedForUpload) Message() string { return "file_queued_for_upload" }

// UploadProgress reports one part of one file landing in object storage.
type UploadProgress struct {
	ImportID    string `json:"import_id"`
	Path        string `json:"path"`
	PartNumber  int32  `json:"part_number"`
	BytesSent   int64  `json:"bytes_sent"`
	Size        int64  `json:"size"`
	PercentDone int    `json:"percent_done"`
	Done        bool   `json:"done"`
}

func (UploadProgress) Message() string { return "upload_progress" }

// UploadComplete reports an import group committed on the platform.
type UploadComplete struct {
	ImportID string `json:"import_id"`
}

func (UploadComplete) Message() string { return "upload_complete" }

// SystemShutdown asks the supervisor to stop the agent. Emitted by the
// upload watcher in OnFinish mode; never forwarded to clients.
type SystemShutdown struct {
	ExitCode int `json:"-"`
}

func (SystemShutdown) Message() string { return "system_shutdown" }

// QueueUploadRequest is the only inbound client request: queue a set of
// local files for upload.
type QueueUploadRequest struct {
	Dataset   string   `json:"dataset"`
	Package   *string  `json:"package"`
	Files     []string `json:"files"`
	Recursive *bool    `json:"recursive"`
	Append    *bool    `json:"append"`
}

// queueUploadMessage is the discriminator for QueueUploadRequest frames.
const queueUploadMessage = "queue_upload"

// encodeFrame renders an event as one JSON frame.
func encodeFrame(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Message: ev.Message(), Body: body})
}
