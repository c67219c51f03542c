package sharing

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const blobRefPrefix = "cloud://"

// AvatarResolver turns remote blob references into display URLs, in batches.
type AvatarResolver interface {
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}

// Successful resolutions are cached process-wide by blob reference so a
// reference is never resolved twice. The cache has no eviction; the set of
// family avatars is tiny.
var avatarCache sync.Map

func isBlobRef(ref string) bool {
	return strings.HasPrefix(ref, blobRefPrefix)
}

// resolveAvatars returns display URLs for the given blob references. The
// second result is true when some references stayed unresolved, either
// because no resolver is configured or because resolution failed; callers
// surface that as limited visibility instead of failing the listing.
func (p *Protocol) resolveAvatars(ctx context.Context, refs []string) (map[string]string, bool) {
	resolved := make(map[string]string, len(refs))
	var pending []string
	for _, ref := range refs {
		if cached, ok := avatarCache.Load(ref); ok {
			if url, ok := cached.(string); ok {
				resolved[ref] = url
				continue
			}
		}
		pending = append(pending, ref)
	}
	if len(pending) == 0 {
		return resolved, false
	}
	if p.avatars == nil {
		return resolved, true
	}

	fresh, err := p.avatars.Resolve(ctx, pending)
	if err != nil {
		p.logger.Warn("avatar resolution failed", zap.Int("refs", len(pending)), zap.Error(err))
		return resolved, true
	}
	limited := false
	for _, ref := range pending {
		url, ok := fresh[ref]
		if !ok || url == "" {
			limited = true
			continue
		}
		avatarCache.Store(ref, url)
		resolved[ref] = url
	}
	return resolved, limited
}
