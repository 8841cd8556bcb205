package gcalnotify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mashiike/gcalnotify"
	"github.com/stretchr/testify/require"
)

func TestParseCalendarsConfig(t *testing.T) {
	env, err := gcalnotify.NewCELEnv()
	require.NoError(t, err)
	t.Setenv("TEAM_DISCORD_WEBHOOK", "https://discord.com/api/webhooks/1/abc")

	cfg, err := gcalnotify.ParseCalendarsConfig(strings.NewReader(`
calendars:
  - key: team
    calendar_id: team@group.calendar.google.com
    resource_id: res-team
    webhook_url: '{{ must_env "TEAM_DISCORD_WEBHOOK" }}'
    filter: kind != "Updated"
  - key: ops
    calendar_id: ops@group.calendar.google.com
    filter: ""
`), env)
	require.NoError(t, err)
	require.Len(t, cfg.Calendars, 2)
	team := cfg.Calendars[0]
	require.Equal(t, "https://discord.com/api/webhooks/1/abc", team.WebhookURL)
	require.True(t, team.Filter.IsExpr())
	require.Nil(t, cfg.Calendars[1].Filter, "an empty filter sends everything")

	route, err := cfg.Lookup("res-team", "")
	require.NoError(t, err)
	require.Equal(t, "team", route.Key)
	route, err = cfg.Lookup("res-unknown", "ops")
	require.NoError(t, err)
	require.Equal(t, "ops", route.Key)
	_, err = cfg.Lookup("res-unknown", "unknown")
	var notFound *gcalnotify.RouteNotFound
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "res-unknown", notFound.ResourceID)
}

func TestParseCalendarsConfigEnv(t *testing.T) {
	env, err := gcalnotify.NewCELEnv()
	require.NoError(t, err)
	t.Setenv("OPS_RESOURCE_ID", "res-ops")
	os.Unsetenv("GCALNOTIFY_TEST_UNDEFINED")

	cfg, err := gcalnotify.ParseCalendarsConfig(strings.NewReader(`
calendars:
  - key: ops
    calendar_id: ops@group.calendar.google.com
    resource_id: '{{ env "OPS_RESOURCE_ID" }}'
    webhook_url: '{{ env "GCALNOTIFY_TEST_UNDEFINED" "https://discord.com/api/webhooks/2/def" }}'
`), env)
	require.NoError(t, err)
	require.Equal(t, "res-ops", cfg.Calendars[0].ResourceID)
	require.Equal(t, "https://discord.com/api/webhooks/2/def", cfg.Calendars[0].WebhookURL, "default is used for an undefined variable")

	_, err = gcalnotify.ParseCalendarsConfig(strings.NewReader(`
calendars:
  - key: ops
    calendar_id: ops@group.calendar.google.com
    webhook_url: '{{ must_env "GCALNOTIFY_TEST_UNDEFINED" }}'
`), env)
	require.ErrorContains(t, err, "failed to render calendars config")
}

func TestParseCalendarsConfigErrors(t *testing.T) {
	env, err := gcalnotify.NewCELEnv()
	require.NoError(t, err)
	cases := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "empty",
			yaml:    `calendars: []`,
			message: "at least one calendar is required",
		},
		{
			name: "missing key",
			yaml: `
calendars:
  - calendar_id: team@group.calendar.google.com
`,
			message: "calendars[0]: key is required",
		},
		{
			name: "missing calendar id",
			yaml: `
calendars:
  - key: team
`,
			message: "calendars[0]: calendar_id is required",
		},
		{
			name: "duplicated key",
			yaml: `
calendars:
  - key: team
    calendar_id: a@group.calendar.google.com
  - key: team
    calendar_id: b@group.calendar.google.com
`,
			message: `calendars[1]: key "team" is already used by calendars[0]`,
		},
		{
			name: "duplicated resource id",
			yaml: `
calendars:
  - key: a
    calendar_id: a@group.calendar.google.com
    resource_id: res
  - key: b
    calendar_id: b@group.calendar.google.com
    resource_id: res
`,
			message: `calendars[1]: resource_id "res" is already used by calendars[0]`,
		},
		{
			name: "filter is not bool",
			yaml: `
calendars:
  - key: team
    calendar_id: team@group.calendar.google.com
    filter: event.summary
`,
			message: "calendars[0]: filter: CEL expression must return bool",
		},
		{
			name: "filter fails on a message without fields",
			yaml: `
calendars:
  - key: team
    calendar_id: team@group.calendar.google.com
    filter: message.fields[0].name == "Date"
`,
			message: "calendars[0]: filter: CEL expression validation failed on pattern[2]",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := gcalnotify.ParseCalendarsConfig(strings.NewReader(c.yaml), env)
			require.ErrorContains(t, err, c.message)
		})
	}
}

func TestLoadCalendarsConfig(t *testing.T) {
	env, err := gcalnotify.NewCELEnv()
	require.NoError(t, err)
	content := `
calendars:
  - key: team
    calendar_id: team@group.calendar.google.com
`
	path := filepath.Join(t.TempDir(), "calendars.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	ctx := context.Background()

	cfg, err := gcalnotify.LoadCalendarsConfig(ctx, path, env)
	require.NoError(t, err)
	require.Equal(t, "team", cfg.Calendars[0].Key)

	cfg, err = gcalnotify.LoadCalendarsConfig(ctx, "file://"+path, env)
	require.NoError(t, err)
	require.Equal(t, "team", cfg.Calendars[0].Key)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars.yaml" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(content))
	}))
	defer server.Close()
	cfg, err = gcalnotify.LoadCalendarsConfig(ctx, server.URL+"/calendars.yaml", env)
	require.NoError(t, err)
	require.Equal(t, "team", cfg.Calendars[0].Key)
	_, err = gcalnotify.LoadCalendarsConfig(ctx, server.URL+"/missing.yaml", env)
	require.ErrorContains(t, err, "404")

	_, err = gcalnotify.LoadCalendarsConfig(ctx, "ftp://example.com/calendars.yaml", env)
	require.ErrorContains(t, err, "scheme ftp is not supported")
}
