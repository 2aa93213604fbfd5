package main

import (
	"testing"

	"github.com/perpfleet/engine/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_LiveModeUsesJSONFormatter(t *testing.T) {
	entry := newLogger(config.EnvironmentConfig{Mode: "live", LogLevel: "warn"})
	_, ok := entry.Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
	assert.Equal(t, logrus.WarnLevel, entry.Logger.Level)
}

func TestNewLogger_PaperModeUsesTextFormatter(t *testing.T) {
	entry := newLogger(config.EnvironmentConfig{Mode: "paper", LogLevel: "debug"})
	_, ok := entry.Logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.Level)
}

func TestNewLogger_InvalidLevelDefaultsToInfo(t *testing.T) {
	entry := newLogger(config.EnvironmentConfig{Mode: "paper", LogLevel: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, entry.Logger.Level)
}
