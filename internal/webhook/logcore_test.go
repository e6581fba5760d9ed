package webhook

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLogCore_WritePublishesEncodedLineToBroadcaster(t *testing.T) {
	b := NewLogBroadcaster()
	core := NewLogCore(b, zap.NewAtomicLevelAt(zapcore.InfoLevel))
	logger := zap.New(core)

	logger.Info("deploy started", zap.String("server", "staging"))

	_, backlog := b.subscribe()
	if len(backlog) != 1 {
		t.Fatalf("expected 1 published line, got %d", len(backlog))
	}
	if !strings.Contains(backlog[0], "deploy started") || !strings.Contains(backlog[0], "staging") {
		t.Errorf("unexpected published line: %s", backlog[0])
	}
}

func TestLogCore_RespectsLevelEnabler(t *testing.T) {
	b := NewLogBroadcaster()
	core := NewLogCore(b, zap.NewAtomicLevelAt(zapcore.WarnLevel))
	logger := zap.New(core)

	logger.Info("should be filtered out")

	_, backlog := b.subscribe()
	if len(backlog) != 0 {
		t.Fatalf("expected info-level log to be dropped, got %v", backlog)
	}
}

func TestLogCore_WithAddsFieldsToPublishedLines(t *testing.T) {
	b := NewLogBroadcaster()
	core := NewLogCore(b, zap.NewAtomicLevelAt(zapcore.InfoLevel))
	logger := zap.New(core).With(zap.String("job_type", "docker-build"))

	logger.Info("building")

	_, backlog := b.subscribe()
	if len(backlog) != 1 {
		t.Fatalf("expected 1 published line, got %d", len(backlog))
	}
	if !strings.Contains(backlog[0], "docker-build") {
		t.Errorf("expected With() fields carried into published line, got: %s", backlog[0])
	}
}
