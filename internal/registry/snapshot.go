package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"skirmish/master/internal/logging"
)

// SnapshotDoc is the JSON document consumed by the external website dashboard.
type SnapshotDoc struct {
	GeneratedAt time.Time `json:"generated_at"`
	ServerCount int       `json:"server_count"`
	ClientCount int       `json:"client_count"`
	Servers     []Record  `json:"servers"`
}

// SnapshotWriter persists the registry state to a well-known path, throttled
// so registry churn cannot cause write storms.
type SnapshotWriter struct {
	registry *Registry
	path     string
	limiter  *rate.Limiter
	logger   *logging.Logger
	trigger  chan struct{}
}

// NewSnapshotWriter wires the writer to the registry; interval is the minimum
// spacing between two file writes.
func NewSnapshotWriter(reg *Registry, path string, interval time.Duration, logger *logging.Logger) (*SnapshotWriter, error) {
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}
	if path == "" {
		return nil, errors.New("snapshot path must not be empty")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &SnapshotWriter{
		registry: reg,
		path:     path,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
	//1.- Every registry mutation nudges the writer without ever blocking the mutator.
	reg.OnMutation(w.Notify)
	return w, nil
}

// Notify requests a snapshot write; coalesces when one is already queued.
func (w *SnapshotWriter) Notify() {
	if w == nil {
		return
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run services write requests until the context is cancelled. Writes happen on
// this goroutine, never on a session's path.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("nil snapshot writer")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.trigger:
			if !w.limiter.Allow() {
				//1.- Too soon after the previous write: wait out the throttle window,
				// then write once for however many mutations piled up meanwhile.
				reservation := w.limiter.Reserve()
				select {
				case <-ctx.Done():
					reservation.Cancel()
					return ctx.Err()
				case <-time.After(reservation.Delay()):
				}
			}
			w.drainTrigger()
			if err := w.WriteOnce(); err != nil {
				w.logger.Warn("snapshot write failed", logging.String("path", w.path), logging.Error(err))
			}
		}
	}
}

func (w *SnapshotWriter) drainTrigger() {
	select {
	case <-w.trigger:
	default:
	}
}

// WriteOnce marshals the current registry state and replaces the file atomically.
func (w *SnapshotWriter) WriteOnce() error {
	if w == nil {
		return errors.New("nil snapshot writer")
	}
	servers, clients := w.registry.Counts()
	doc := SnapshotDoc{
		GeneratedAt: time.Now().UTC(),
		ServerCount: servers,
		ClientCount: clients,
		Servers:     w.registry.QueryServers(nil),
	}
	data, err := json.Marshal(&doc)
	if err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if dir := filepath.Dir(w.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.path)
}
