package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "A2A-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutCollectsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: "a"}
	failing := &recordingNotifier{channel: "b", err: errors.New("boom")}
	d := NewFanout(ok, failing, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure})
	require.Error(t, err)
	require.Len(t, ok.events, 1)
	require.Len(t, failing.events, 1)
}

func TestFromErrorCarriesMetadata(t *testing.T) {
	err := xerrors.New(xerrors.CodeQueueFailure, "publish failed", xerrors.WithMetadata("queue", "q"))
	event := FromError("notify", "publish", "msg-1", err)
	require.Equal(t, xerrors.CodeQueueFailure, event.Code)
	require.Equal(t, xerrors.SeverityCritical, event.Severity)
	require.Equal(t, "q", event.Metadata["queue"])
	require.Equal(t, "msg-1", event.EntityID)
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- e
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, 0)
	require.NoError(t, n.Notify(context.Background(), Event{Code: "LEDGER_FAILURE", EntityID: "escrow-1"}))
	require.Equal(t, "escrow-1", (<-received).EntityID)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	require.Error(t, NewWebhookNotifier(failing.URL, 0).Notify(context.Background(), Event{}))
}
