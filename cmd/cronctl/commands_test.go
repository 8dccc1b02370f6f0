package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"recurring-scheduler/internal/app"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/scheduler"
	"recurring-scheduler/internal/store/sqlstore"
)

func sqliteOpener(t *testing.T) opener {
	path := filepath.Join(t.TempDir(), "cronctl.db")
	log := zaptest.NewLogger(t).Sugar()
	return func(ctx context.Context) (*scheduler.Service, func() error, error) {
		st, err := sqlstore.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return app.NewService(st, app.Functions(log), log), st.Close, nil
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRegisterListGetDelete(t *testing.T) {
	open := sqliteOpener(t)

	out, err := run(t, open, "register", "interval", "--every", "30s", "--target", "demo.log", "--name", "heartbeat", "--args", `{"message":"hi"}`)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	_, err = run(t, open, "register", "cron", "--cronspec", "0 3 * * *", "--target", "demo.log")
	require.NoError(t, err)

	out, err = run(t, open, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "heartbeat")
	assert.Contains(t, out, "every 30s")
	assert.Contains(t, out, "cron 0 3 * * *")

	out, err = run(t, open, "get", id, "-o", "json")
	require.NoError(t, err)
	var jobs []models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "heartbeat", jobs[0].Name)
	assert.Equal(t, "hi", jobs[0].Args["message"])

	out, err = run(t, open, "get", "--name", "heartbeat", "-o", "yaml")
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, id, raw[0]["id"])

	_, err = run(t, open, "delete", "--name", "heartbeat")
	require.NoError(t, err)
	_, err = run(t, open, "get", id)
	assert.ErrorIs(t, err, scheduler.ErrNotFound)
	_, err = run(t, open, "delete", id)
	assert.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestCommandValidation(t *testing.T) {
	open := sqliteOpener(t)

	_, err := run(t, open, "register", "interval", "--every", "500ms", "--target", "demo.log")
	assert.ErrorIs(t, err, scheduler.ErrIntervalTooShort)

	_, err = run(t, open, "register", "cron", "--cronspec", "* *", "--target", "demo.log")
	assert.ErrorIs(t, err, scheduler.ErrInvalidCronspec)

	_, err = run(t, open, "register", "interval", "--every", "1m", "--target", "demo.log", "--args", "[1,2]")
	assert.Error(t, err)

	_, err = run(t, open, "get")
	assert.Error(t, err)
	_, err = run(t, open, "delete", "some-id", "--name", "x")
	assert.Error(t, err)

	_, err = run(t, open, "list", "-o", "xml")
	assert.Error(t, err)
}
