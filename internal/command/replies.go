package command

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CannedReply answers messages that contain one of Keywords or match Pattern.
// Response may use the placeholders {sender} and {text}.
type CannedReply struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Pattern  string   `yaml:"pattern"`
	Response string   `yaml:"response"`

	re *regexp.Regexp
}

// LoadReplies reads a YAML list of canned replies. A missing file yields no
// replies; entries without a response or with a bad pattern are skipped.
func LoadReplies(path string, logger logrus.FieldLogger) ([]CannedReply, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.WithField("path", path).Debug("replies file does not exist, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read replies file: %w", err)
	}
	return ParseReplies(data, logger)
}

// ParseReplies decodes and compiles canned replies from YAML.
func ParseReplies(data []byte, logger logrus.FieldLogger) ([]CannedReply, error) {
	var raw []CannedReply
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse replies: %w", err)
	}

	replies := make([]CannedReply, 0, len(raw))
	for i, r := range raw {
		if r.Name == "" {
			r.Name = fmt.Sprintf("reply-%d", i+1)
		}
		if r.Response == "" {
			logger.WithField("name", r.Name).Warn("canned reply without response, skipping")
			continue
		}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				logger.WithError(err).WithField("name", r.Name).Warn("invalid reply pattern, skipping")
				continue
			}
			r.re = re
		}
		if r.re == nil && len(r.Keywords) == 0 {
			logger.WithField("name", r.Name).Warn("canned reply without keywords or pattern, skipping")
			continue
		}
		for k := range r.Keywords {
			r.Keywords[k] = strings.ToLower(r.Keywords[k])
		}
		replies = append(replies, r)
	}
	return replies, nil
}

// Matches reports whether text triggers the reply. Keywords match whole
// words case-insensitively; keywords containing spaces match as phrases.
func (r CannedReply) Matches(text string) bool {
	if r.re != nil && r.re.MatchString(text) {
		return true
	}
	if len(r.Keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, k := range r.Keywords {
		if strings.Contains(k, " ") && strings.Contains(lower, k) {
			return true
		}
	}
	words := strings.FieldsFunc(lower, func(c rune) bool {
		return !(c == '-' || c == '_' || c == '\'' || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') || c > 127)
	})
	for _, w := range words {
		for _, k := range r.Keywords {
			if w == k {
				return true
			}
		}
	}
	return false
}

// Render fills the placeholders of the response.
func (r CannedReply) Render(sender, text string) string {
	return strings.NewReplacer("{sender}", sender, "{text}", text).Replace(r.Response)
}
