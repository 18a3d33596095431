package flyout

import (
	"context"

	"go.uber.org/zap"
)

// unavailableProvider stands in where no media session manager can be reached.
type unavailableProvider struct {
	logger *zap.SugaredLogger
}

func newMediaSessionProvider(logger *zap.SugaredLogger) MediaSessionProvider {
	return &unavailableProvider{logger: logger.Named("media_provider")}
}

func (p *unavailableProvider) RequestManager(ctx context.Context) (MediaSessionManager, error) {
	p.logger.Debug("No media session manager binding on this platform")
	return nil, ErrMediaUnavailable
}
