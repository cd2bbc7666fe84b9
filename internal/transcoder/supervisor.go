package transcoder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Options configures the supervisor.
type Options struct {
	FFmpegPath      string
	StorageRoot     string
	SegmentDuration int
	PlaylistSize    int
	MaxConcurrent   int
	GracePeriod     time.Duration // delay before the forced kill after Stop
}

type process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
}

// Supervisor spawns and terminates external encoder processes that turn an
// ingest into segmented HLS output. Registrations are worker-local; at most
// one encoder runs per stream and at most MaxConcurrent in total.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*process

	opts   Options
	logger logging.Logger

	// args builds the encoder argument vector; swapped in tests
	args func(inputURL, outputDir string) []string
}

// NewSupervisor creates a transcoder supervisor.
func NewSupervisor(opts Options, logger logging.Logger) *Supervisor {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = 4
	}
	if opts.PlaylistSize <= 0 {
		opts.PlaylistSize = 5
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 3 * time.Second
	}

	s := &Supervisor{
		procs:  make(map[string]*process),
		opts:   opts,
		logger: logger,
	}
	s.args = s.encoderArgs
	return s
}

// OutputDir returns the per-stream HLS artifact directory.
func (s *Supervisor) OutputDir(streamID string) string {
	return filepath.Join(s.opts.StorageRoot, streamID)
}

func (s *Supervisor) encoderArgs(inputURL, outputDir string) []string {
	return []string{
		"-i", inputURL,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", s.opts.SegmentDuration),
		"-hls_list_size", fmt.Sprintf("%d", s.opts.PlaylistSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%05d.ts"),
		filepath.Join(outputDir, "playlist.m3u8"),
	}
}

// Start spawns an encoder for the stream. Refuses when an encoder already
// exists for the stream or the concurrency cap is reached; in the refused
// case no output directory is created.
func (s *Supervisor) Start(streamID, inputURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.procs[streamID]; exists {
		s.logger.WithField("stream_id", streamID).Warn("Transcoder already running for stream")
		return false
	}
	if len(s.procs) >= s.opts.MaxConcurrent {
		s.logger.WithFields(logging.Fields{
			"stream_id":      streamID,
			"max_concurrent": s.opts.MaxConcurrent,
		}).Warn("Transcoder concurrency cap reached")
		return false
	}

	outputDir := s.OutputDir(streamID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		s.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to create HLS output directory")
		return false
	}

	cmd := exec.Command(s.opts.FFmpegPath, s.args(inputURL, outputDir)...)
	if err := cmd.Start(); err != nil {
		s.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to spawn encoder")
		return false
	}

	// Reap the child when it exits so liveness probes see the death
	go func() { _ = cmd.Wait() }()

	s.procs[streamID] = &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
	}

	s.logger.WithFields(logging.Fields{
		"stream_id": streamID,
		"pid":       cmd.Process.Pid,
		"input":     inputURL,
	}).Info("Transcoder started")
	return true
}

// Stop sends a graceful termination signal and schedules a forced kill after
// the grace period. The registration is removed immediately; a second Stop
// for the same stream returns false with no side effects.
func (s *Supervisor) Stop(streamID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[streamID]
	if ok {
		delete(s.procs, streamID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; nothing left to kill
		s.logger.WithField("stream_id", streamID).Debug("Encoder already exited before SIGTERM")
		return true
	}

	// The timer holds the process handle it captured, so a later Start for
	// the same stream id cannot be hit by this kill.
	handle := proc.cmd.Process
	time.AfterFunc(s.opts.GracePeriod, func() {
		if err := handle.Kill(); err == nil {
			s.logger.WithField("stream_id", streamID).Warn("Encoder force-killed after grace period")
		}
	})

	s.logger.WithFields(logging.Fields{
		"stream_id": streamID,
		"pid":       proc.pid,
	}).Info("Transcoder stopping")
	return true
}

// IsActive reports whether a registered encoder is still alive. A failed
// liveness probe evicts the registration as a side effect.
func (s *Supervisor) IsActive(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[streamID]
	if !ok {
		return false
	}
	if err := proc.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		delete(s.procs, streamID)
		return false
	}
	return true
}

// Cleanup removes the stream's HLS artifacts and directory. Idempotent.
func (s *Supervisor) Cleanup(streamID string) error {
	if err := os.RemoveAll(s.OutputDir(streamID)); err != nil {
		return fmt.Errorf("cleanup hls artifacts: %w", err)
	}
	return nil
}

// StopAll stops every registered encoder.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Reap probes every registered encoder and evicts the dead ones, invoking
// onDead for each so the caller can end the corresponding stream.
func (s *Supervisor) Reap(onDead func(streamID string)) {
	s.mu.Lock()
	var dead []string
	for id, proc := range s.procs {
		if err := proc.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			dead = append(dead, id)
			delete(s.procs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dead {
		s.logger.WithField("stream_id", id).Warn("Encoder died unexpectedly")
		if onDead != nil {
			onDead(id)
		}
	}
}

// Stats reports the supervisor's registrations.
type Stats struct {
	Active        int      `json:"active"`
	MaxConcurrent int      `json:"max_concurrent"`
	Streams       []string `json:"streams"`
}

// GetStats returns a snapshot of the registration table.
func (s *Supervisor) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	streams := make([]string, 0, len(s.procs))
	for id := range s.procs {
		streams = append(streams, id)
	}
	return Stats{
		Active:        len(s.procs),
		MaxConcurrent: s.opts.MaxConcurrent,
		Streams:       streams,
	}
}
