package scu

import (
	"context"
	"fmt"
	"time"

	"github.com/masroore/dicomscp/internal/cache"
	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// Target identifies the remote application entity of an outbound association.
type Target struct {
	AETitle string
	Host    string
	Port    int
}

// Client issues DICOM service requests toward remote nodes. The zero cache is
// fine; Find then always goes over the wire.
type Client struct {
	cfg      config.DICOMConfig
	cache    cache.Cache
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewClient builds an SCU client. queryCache may be nil.
func NewClient(cfg config.DICOMConfig, queryCache cache.Cache, cacheTTL time.Duration) *Client {
	return &Client{
		cfg:      cfg,
		cache:    queryCache,
		cacheTTL: cacheTTL,
		log:      logger.Service("scu"),
	}
}

// dial opens an association toward target proposing the given contexts.
func (c *Client) dial(ctx context.Context, target Target, contexts []*dimse.PresentationContext) (*dimse.Association, error) {
	timeout := c.cfg.AssociationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	assoc, err := dimse.Connect(ctx, dimse.AssociationConfig{
		Host:           target.Host,
		Port:           target.Port,
		CallingAETitle: c.cfg.AETitle,
		CalledAETitle:  target.AETitle,
		MaxPDULength:   c.cfg.MaxPDULength,
		ConnectTimeout: timeout,
		ReadTimeout:    timeout,
		WriteTimeout:   timeout,
		Contexts:       contexts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to associate with %s: %w", target.AETitle, err)
	}
	return assoc, nil
}

// Echo verifies reachability of the remote node with a C-ECHO round trip.
func (c *Client) Echo(ctx context.Context, target Target) error {
	assoc, err := c.dial(ctx, target, []*dimse.PresentationContext{
		dimse.ProposeContext(1, dimse.VerificationSOPClass),
	})
	if err != nil {
		return err
	}
	defer assoc.Release()

	if err := assoc.Echo(ctx); err != nil {
		return fmt.Errorf("C-ECHO to %s failed: %w", target.AETitle, err)
	}
	c.log.Debug().Str("remote_ae", target.AETitle).Msg("echo verified")
	return nil
}
