package discussion

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/internal/identity"
	"github.com/topicbridge/pkg/models"
)

// SentinelPassword satisfies the forum's account-creation contract. Forum
// login goes through single sign-on, so the value is not a secret.
const SentinelPassword = "sso-managed-account-placeholder"

// UserEnsurer makes sure the actor has a forum account.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, actor models.Actor) (*forum.User, error)
}

// UserProvisioner creates forum accounts on first use. Concurrent calls for
// the same handle in one process share a single lookup and creation.
type UserProvisioner struct {
	gateway    forum.Gateway
	directory  identity.Directory
	trustLevel int
	group      singleflight.Group
}

// NewUserProvisioner builds a provisioner. A trustLevel above zero promotes
// newly created accounts.
func NewUserProvisioner(gateway forum.Gateway, directory identity.Directory, trustLevel int) *UserProvisioner {
	return &UserProvisioner{gateway: gateway, directory: directory, trustLevel: trustLevel}
}

// EnsureUser returns the actor's forum account, creating it when missing.
// The shared call runs detached from any single caller, so cancelling one
// request only abandons that caller's wait.
func (p *UserProvisioner) EnsureUser(ctx context.Context, actor models.Actor) (*forum.User, error) {
	ch := p.group.DoChan(actor.Handle, func() (interface{}, error) {
		sharedCtx, cancel := detach(ctx)
		defer cancel()
		return p.ensure(sharedCtx, actor)
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindInternal, Message: "request cancelled while provisioning forum user", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		u := *res.Val.(*forum.User)
		return &u, nil
	}
}

// detach drops ctx's cancellation but keeps its deadline.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

func (p *UserProvisioner) ensure(ctx context.Context, actor models.Actor) (*forum.User, error) {
	logger := log.With().Str("actor", actor.Handle).Logger()

	existing, err := p.gateway.GetUser(ctx, actor.Handle)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, forum.ErrNotFound) {
		logger.Error().Err(err).Msg("forum user lookup failed")
		return nil, &Error{Kind: KindProvisioning, Message: "could not look up forum user", Upstream: upstreamOf(err), Err: err}
	}

	profile, err := p.directory.Profile(ctx, actor.Handle, actor.Token)
	if err != nil {
		logger.Error().Err(err).Msg("member profile lookup failed")
		return nil, &Error{Kind: KindProfileResolution, Message: "could not resolve member profile", Upstream: upstreamOf(err), Err: err}
	}

	result, err := p.gateway.CreateUser(ctx, forum.NewUser{
		Name:     profile.FullName(),
		Username: actor.Handle,
		Email:    profile.Email,
		Password: SentinelPassword,
	})
	if err != nil || result == nil || !result.Success {
		upstream := upstreamOf(err)
		if result != nil && len(result.Raw) > 0 {
			upstream = string(result.Raw)
		}
		if err == nil {
			msg := "forum rejected account creation"
			if result != nil && result.Message != "" {
				msg = result.Message
			}
			err = errors.New(msg)
		}
		logger.Error().Err(err).Str("upstream", upstream).Msg("forum user creation failed")
		return nil, &Error{Kind: KindProvisioning, Message: "could not create forum user", Upstream: upstream, Err: err}
	}
	logger.Info().Int64("forum_user_id", result.UserID).Msg("created forum user")

	user := &forum.User{ID: result.UserID, Username: actor.Handle, Name: profile.FullName(), Email: profile.Email}
	if p.trustLevel > 0 {
		if err := p.gateway.ChangeTrustLevel(ctx, result.UserID, p.trustLevel); err != nil {
			logger.Warn().Err(err).Int("trust_level", p.trustLevel).Msg("could not set trust level on new forum user")
		} else {
			user.TrustLevel = p.trustLevel
		}
	}
	return user, nil
}

func upstreamOf(err error) string {
	var apiErr *forum.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("status %d: %s", apiErr.StatusCode, apiErr.Body)
	}
	var lookupErr *identity.LookupError
	if errors.As(err, &lookupErr) {
		return fmt.Sprintf("status %d: %s", lookupErr.StatusCode, lookupErr.Body)
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
