package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"j5.nz/adaptive/nexus"
)

// fileDebugSink implements nexus.DebugSink by writing one human-readable
// trace per compile into dir. Each dump is tagged with a fresh uuid
// rather than the function name alone, so two generations of the same
// function compiling
// back to back (a Reset followed by a recompile) never collide on a
// filename.
type fileDebugSink struct {
	dir string
	log *zap.Logger
}

func newFileDebugSink(dir string, log *zap.Logger) (*fileDebugSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug sink: %w", err)
	}
	return &fileDebugSink{dir: dir, log: log}, nil
}

func (s *fileDebugSink) DumpCompile(functionName string, generation uint64, state nexus.State, numCallSites int) {
	name := fmt.Sprintf("%s-gen%d-%s.txt", functionName, generation, uuid.NewString())
	path := filepath.Join(s.dir, name)
	body := fmt.Sprintf("function: %s\ngeneration: %d\nstate: %s\ncall_sites: %d\n",
		functionName, generation, state, numCallSites)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		s.log.Error("debug dump failed", zap.String("function", functionName), zap.Error(err))
		return
	}
	s.log.Info("wrote debug dump", zap.String("path", path))
}
