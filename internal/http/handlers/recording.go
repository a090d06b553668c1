package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/recorder"
)

// Session is the part of a recorder the status API drives.
type Session interface {
	Status() recorder.Status
	Pause() error
	Resume() error
}

// RecordingHandler exposes the state of one recording session.
type RecordingHandler struct {
	session Session
}

// NewRecordingHandler creates a handler for session.
func NewRecordingHandler(session Session) *RecordingHandler {
	return &RecordingHandler{session: session}
}

// RecordingInput is the input of every recording operation.
type RecordingInput struct{}

// RecordingOutput carries the session state.
type RecordingOutput struct {
	Body RecordingResponse
}

// RecordingResponse describes a recording session.
type RecordingResponse struct {
	SessionID      string    `json:"session_id"`
	Output         string    `json:"output"`
	State          string    `json:"state"`
	Started        time.Time `json:"started,omitzero"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Bytes          int64     `json:"bytes"`
	Size           string    `json:"size"`
}

// Register registers the recording routes with the API.
func (h *RecordingHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getRecording",
		Method:      "GET",
		Path:        "/api/v1/recording",
		Summary:     "Get recording",
		Description: "Returns the state of the recording session",
		Tags:        []string{"Recording"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "pauseRecording",
		Method:      "POST",
		Path:        "/api/v1/recording/pause",
		Summary:     "Pause recording",
		Description: "Holds the writer; the paused interval leaves no gap in the file",
		Tags:        []string{"Recording"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "resumeRecording",
		Method:      "POST",
		Path:        "/api/v1/recording/resume",
		Summary:     "Resume recording",
		Tags:        []string{"Recording"},
	}, h.Resume)
}

// Get returns the session state.
func (h *RecordingHandler) Get(_ context.Context, _ *RecordingInput) (*RecordingOutput, error) {
	return h.output(), nil
}

// Pause pauses the session.
func (h *RecordingHandler) Pause(_ context.Context, _ *RecordingInput) (*RecordingOutput, error) {
	if err := h.session.Pause(); err != nil {
		return nil, toHTTPError("cannot pause recording", err)
	}
	return h.output(), nil
}

// Resume resumes the session.
func (h *RecordingHandler) Resume(_ context.Context, _ *RecordingInput) (*RecordingOutput, error) {
	if err := h.session.Resume(); err != nil {
		return nil, toHTTPError("cannot resume recording", err)
	}
	return h.output(), nil
}

func (h *RecordingHandler) output() *RecordingOutput {
	st := h.session.Status()
	resp := RecordingResponse{
		SessionID: st.SessionID,
		Output:    st.Output,
		State:     st.State,
		Started:   st.Started,
		Bytes:     st.Bytes,
		Size:      humanize.IBytes(uint64(max(st.Bytes, 0))),
	}
	if !st.Started.IsZero() {
		resp.ElapsedSeconds = time.Since(st.Started).Seconds()
	}
	return &RecordingOutput{Body: resp}
}

func toHTTPError(msg string, err error) error {
	if errors.Is(err, media.ErrInvalidState) {
		return huma.Error409Conflict(msg, err)
	}
	return huma.Error500InternalServerError(msg, err)
}
