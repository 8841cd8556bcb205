package gcalnotify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"
	gc "github.com/kayac/go-config"
)

// CalendarsConfig is the list of calendars to follow, loaded from --calendars.
//
//	calendars:
//	  - key: team
//	    calendar_id: team@group.calendar.google.com
//	    resource_id: '{{ env "TEAM_RESOURCE_ID" }}'
//	    webhook_url: '{{ must_env "TEAM_DISCORD_WEBHOOK" }}'
//	    filter: kind != "Updated"
type CalendarsConfig struct {
	Calendars []*CalendarRoute `yaml:"calendars"`
}

// CalendarRoute binds a calendar to its cursor key and notification destination.
type CalendarRoute struct {
	// Key names the cursor and is used as the push channel token.
	Key        string `yaml:"key"`
	CalendarID string `yaml:"calendar_id"`
	// ResourceID is the X-Goog-Resource-Id of the watch channel, if known.
	ResourceID string `yaml:"resource_id,omitempty"`
	// WebhookURL is the chat webhook address (discord notification type only).
	WebhookURL string      `yaml:"webhook_url,omitempty"`
	Filter     *ExprOrBool `yaml:"filter,omitempty"`
}

// RouteNotFound is returned when an inbound notification matches no configured calendar.
type RouteNotFound struct {
	ResourceID   string
	ChannelToken string
}

func (err *RouteNotFound) Error() string {
	return fmt.Sprintf("no calendar route for resource_id:%s channel_token:%s", coalesce(err.ResourceID, "-"), coalesce(err.ChannelToken, "-"))
}

// LoadCalendarsConfig loads and validates configuration from a local path or a
// file://, http(s):// or s3:// URL.
func LoadCalendarsConfig(ctx context.Context, path string, env *CELEnv) (*CalendarsConfig, error) {
	content, err := fetchConfig(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendars config %s: %w", path, err)
	}
	return ParseCalendarsConfig(bytes.NewReader(content), env)
}

// ParseCalendarsConfig parses and validates configuration from a reader.
// The content is rendered as a template first, so {{ env "VAR" "default" }}
// and {{ must_env "VAR" }} read the environment.
func ParseCalendarsConfig(r io.Reader, env *CELEnv) (*CalendarsConfig, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendars config: %w", err)
	}
	rendered, err := gc.New().ReadWithEnvBytes(content)
	if err != nil {
		return nil, fmt.Errorf("failed to render calendars config: %w", err)
	}
	var cfg CalendarsConfig
	if err := yaml.Unmarshal(rendered, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse calendars config: %w", err)
	}
	if err := cfg.Bind(env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bind validates the routes and compiles their filters.
func (c *CalendarsConfig) Bind(env *CELEnv) error {
	if len(c.Calendars) == 0 {
		return errors.New("at least one calendar is required")
	}
	keys := make(map[string]int, len(c.Calendars))
	resourceIDs := make(map[string]int, len(c.Calendars))
	for i, route := range c.Calendars {
		if route == nil {
			return fmt.Errorf("calendars[%d]: empty entry", i)
		}
		if route.Key == "" {
			return fmt.Errorf("calendars[%d]: key is required", i)
		}
		if route.CalendarID == "" {
			return fmt.Errorf("calendars[%d]: calendar_id is required", i)
		}
		if j, ok := keys[route.Key]; ok {
			return fmt.Errorf("calendars[%d]: key %q is already used by calendars[%d]", i, route.Key, j)
		}
		keys[route.Key] = i
		if route.ResourceID != "" {
			if j, ok := resourceIDs[route.ResourceID]; ok {
				return fmt.Errorf("calendars[%d]: resource_id %q is already used by calendars[%d]", i, route.ResourceID, j)
			}
			resourceIDs[route.ResourceID] = i
		}
		if route.Filter != nil && route.Filter.Raw() == "" {
			route.Filter = nil
		}
		if route.Filter != nil {
			if err := route.Filter.Bind(env); err != nil {
				return fmt.Errorf("calendars[%d]: filter: %w", i, err)
			}
		}
	}
	return nil
}

// Lookup finds the route for an inbound notification, by resource id first and
// then by channel token.
func (c *CalendarsConfig) Lookup(resourceID string, channelToken string) (*CalendarRoute, error) {
	if resourceID != "" {
		for _, route := range c.Calendars {
			if route.ResourceID == resourceID {
				return route, nil
			}
		}
	}
	if channelToken != "" {
		if route, ok := c.Find(channelToken); ok {
			return route, nil
		}
	}
	return nil, &RouteNotFound{ResourceID: resourceID, ChannelToken: channelToken}
}

// Find returns the route with the given key.
func (c *CalendarsConfig) Find(key string) (*CalendarRoute, bool) {
	for _, route := range c.Calendars {
		if route.Key == key {
			return route, true
		}
	}
	return nil, false
}

func fetchConfig(ctx context.Context, path string) ([]byte, error) {
	u, err := url.Parse(path)
	if err != nil {
		return os.ReadFile(path)
	}
	switch u.Scheme {
	case "http", "https":
		return fetchConfigFromHTTP(ctx, u)
	case "s3":
		return fetchConfigFromS3(ctx, u)
	case "file":
		return os.ReadFile(u.Path)
	case "":
		return os.ReadFile(filepath.Clean(path))
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
}

func fetchConfigFromHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching calendars config", "url", u.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: HTTP %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchConfigFromS3(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching calendars config", "url", u.String())
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg)
	key := strings.TrimLeft(u.Path, "/")
	slog.DebugContext(ctx, "try get object", "bucket", u.Host, "key", key)
	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from S3: %w", err)
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}
