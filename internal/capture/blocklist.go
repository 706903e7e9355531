package capture

import "strings"

// defaultBlockPatterns matches loopback and virtual devices that would feed
// the tutor's own speaker output back in as microphone input.
var defaultBlockPatterns = []string{
	"monitor", "loopback", "virtual", "blackhole", "soundflower",
	"stereo mix", "cable", "vb-audio", "what u hear",
}

// Blocklist rejects device candidates by label pattern unless the user has
// explicitly opted in to virtual devices.
type Blocklist struct {
	patterns []string
	allowAll bool
}

func NewBlocklist(patterns []string, allowVirtual bool) *Blocklist {
	if len(patterns) == 0 {
		patterns = defaultBlockPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &Blocklist{patterns: lowered, allowAll: allowVirtual}
}

func (b *Blocklist) Blocked(dev DeviceInfo) bool {
	if b.allowAll {
		return false
	}
	label := strings.ToLower(dev.Label)
	for _, p := range b.patterns {
		if strings.Contains(label, p) {
			return true
		}
	}
	return false
}
