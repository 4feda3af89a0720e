// Package config loads ragchat settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stevegt/envi"
)

// DefaultModels is the model catalogue offered when RAGCHAT_MODELS is
// unset.  The first entry is the default selection.
var DefaultModels = []string{
	"llama3.1-8b",
	"llama3.1-70b",
	"llama3.1-405b",
	"snowflake-arctic",
	"reka-core",
	"reka-flash",
	"mistral-large",
	"mixtral-8x7b",
	"mistral-7b",
	"jamba-instruct",
	"gemma-7b",
}

// DefaultDirectives is the system directive catalogue offered when
// RAGCHAT_SYSMSGS is unset.
var DefaultDirectives = []string{
	"You are a helpful assistant",
	"You are an expert in programming",
}

// Config holds settings for the daemon and the cli.
type Config struct {
	Listen  string
	URL     string
	DB      string
	APIKey  string
	BaseURL string

	Models     []string
	Model      string
	Directives []string

	MaxMessages   int
	MaxTokens     int
	SearchLimit   int
	UploadWorkers int
	SinkQueue     int
	UploadDir     string
}

// Load reads the environment.
func Load() (c *Config, err error) {
	c = &Config{
		Listen:     get("RAGCHAT_LISTEN", ":8080"),
		URL:        strings.TrimRight(get("RAGCHAT_URL", "http://localhost:8080"), "/"),
		DB:         get("RAGCHAT_DB", "ragchat.db"),
		APIKey:     get("OPENAI_API_KEY", ""),
		BaseURL:    get("OPENAI_BASE_URL", ""),
		Models:     list(get("RAGCHAT_MODELS", ""), ",", DefaultModels),
		Directives: list(get("RAGCHAT_SYSMSGS", ""), "|", DefaultDirectives),
		UploadDir:  get("RAGCHAT_UPLOAD_DIR", "uploads"),
	}
	c.Model = get("RAGCHAT_MODEL", c.Models[0])
	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"RAGCHAT_MAX_MESSAGES", 10, &c.MaxMessages},
		{"RAGCHAT_MAX_TOKENS", 4000, &c.MaxTokens},
		{"RAGCHAT_SEARCH_LIMIT", 5, &c.SearchLimit},
		{"RAGCHAT_UPLOAD_WORKERS", 4, &c.UploadWorkers},
		{"RAGCHAT_SINK_QUEUE", 256, &c.SinkQueue},
	}
	for _, i := range ints {
		s := get(i.name, strconv.Itoa(i.def))
		*i.dst, err = strconv.Atoi(s)
		if err != nil || *i.dst < 0 {
			return nil, fmt.Errorf("%s: expected a non-negative integer, got %q", i.name, s)
		}
	}
	return
}

// HasModel returns true if name is in the model catalogue.
func (c *Config) HasModel(name string) bool {
	for _, m := range c.Models {
		if m == name {
			return true
		}
	}
	return false
}

// get reads name, treating a blank value as unset.
func get(name, def string) string {
	v := strings.TrimSpace(envi.String(name, def))
	if v == "" {
		return def
	}
	return v
}

func list(s, sep string, def []string) (out []string) {
	for _, item := range strings.Split(s, sep) {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		out = append([]string(nil), def...)
	}
	return
}
