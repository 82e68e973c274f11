package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	l := New(LoggingConfig{Level: "debug", Format: "json"})
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", l.Formatter)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	l := New(LoggingConfig{Level: "loud"})
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", l.GetLevel())
	}
}

func TestComponentFieldIsAttached(t *testing.T) {
	l := New(LoggingConfig{Level: "info", Format: "json"}).Named("delegation")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("address", "NX1").Info("delegated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["component"] != "delegation" {
		t.Fatalf("expected component field, got %v", entry["component"])
	}
	if entry["address"] != "NX1" {
		t.Fatalf("expected address field, got %v", entry["address"])
	}
}
