package main

import (
	"context"
	"testing"

	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	prev := logger
	logger = zap.New(core)
	t.Cleanup(func() { logger = prev })
	return logs
}

func setPublishConfig(t *testing.T, remote string) {
	t.Helper()
	t.Cleanup(viper.Reset)
	viper.Set("guard.remote", remote)
	viper.Set("publish.site_dir", t.TempDir())
	viper.Set("profile.dir", t.TempDir())
	viper.Set("profile.id", record.DefaultProfileID)
	viper.Set("checkpoint.store", "memory")
}

func TestNewPublisher_warnsWhenGuardHasNoRemote(t *testing.T) {
	logs := observeLogger(t)
	setPublishConfig(t, "none")

	_, closeAll, err := newPublisher(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	closeAll()

	if n := logs.FilterMessageSnippet("guard.remote is none").Len(); n != 1 {
		t.Errorf("expected one guard warning, got %d (all: %v)", n, logs.All())
	}
}

func TestNewPublisher_quietWithRemote(t *testing.T) {
	logs := observeLogger(t)
	setPublishConfig(t, "dir")

	_, closeAll, err := newPublisher(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	closeAll()

	if n := logs.FilterMessageSnippet("guard.remote is none").Len(); n != 0 {
		t.Errorf("unexpected guard warning with a dir remote: %v", logs.All())
	}
}
