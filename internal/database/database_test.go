package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"

	"github.com/elskow/buildshuttle/internal/config"
)

func TestDSN(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "shuttle",
		Password: "secret",
		Name:     "builds",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=db user=shuttle password=secret dbname=builds port=5432 sslmode=disable", DSN(cfg))
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"ERROR", logger.Error},
		{"info", logger.Info},
		{"", logger.Warn},
		{"verbose", logger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, logLevel(tt.in))
		})
	}
}
