package jail

import (
	"regexp"
	"strings"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

type legacyPattern struct {
	source string
	re     *regexp.Regexp
}

func compilePatterns(kind string, sources []string, logger *logging.Logger) []*legacyPattern {
	var out []*legacyPattern
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			logger.Warn("skipping invalid legacy pattern", "kind", kind, "pattern", src, "error", err)
			continue
		}
		out = append(out, &legacyPattern{source: src, re: re})
	}
	return out
}

func compileLegacy(cfg *config.JailConfig, logger *logging.Logger) *legacyRules {
	l := &legacyRules{
		userAgents: compilePatterns("user_agent", cfg.LegacyUserAgents, logger),
		paths:      compilePatterns("path", cfg.LegacyPaths, logger),
		statuses:   make(map[int]struct{}, len(cfg.LegacyStatusCodes)),
	}
	for _, m := range cfg.LegacyMethods {
		if m = strings.TrimSpace(m); m != "" {
			l.methods = append(l.methods, m)
		}
	}
	for _, code := range cfg.LegacyStatusCodes {
		l.statuses[code] = struct{}{}
	}
	return l
}
