package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"taxosync/pkg/metrics"
)

const gmailUser = "me"

// GmailConfig Gmail API 访问配置
type GmailConfig struct {
	CredentialsFile string
	TokenFile       string
	// Endpoint 非空时覆盖 API 地址（测试或代理）
	Endpoint    string
	RatePerSec  float64
	Burst       int
	CallTimeout time.Duration
}

// Gmail 基于 gmail/v1 的 Provider 实现
type Gmail struct {
	svc     *gmail.Service
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewGmail 使用 OAuth client 凭据文件和已保存的 token 文件创建服务
func NewGmail(ctx context.Context, cfg GmailConfig, logger *zap.Logger) (*Gmail, error) {
	credentials, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gmail credentials: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(credentials, gmail.GmailModifyScope, gmail.GmailLabelsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gmail credentials: %w", err)
	}

	raw, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gmail token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode gmail token: %w", err)
	}

	opts := []option.ClientOption{option.WithTokenSource(oauthCfg.TokenSource(ctx, &tok))}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	return newGmailWithOptions(ctx, cfg, logger, opts...)
}

func newGmailWithOptions(ctx context.Context, cfg GmailConfig, logger *zap.Logger, opts ...option.ClientOption) (*Gmail, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Gmail{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		timeout: cfg.CallTimeout,
		logger:  logger,
	}, nil
}

// call 限流、单次超时、错误归类与指标
func (g *Gmail) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := classify(fn(callCtx))
	metrics.RecordProviderCall(op, err, time.Since(start))
	if err != nil {
		g.logger.Debug("Gmail call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (g *Gmail) ListLabels(ctx context.Context) ([]Label, error) {
	var out []Label
	err := g.call(ctx, "labels.list", func(ctx context.Context) error {
		resp, err := g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = make([]Label, 0, len(resp.Labels))
		for _, l := range resp.Labels {
			out = append(out, Label{ID: l.Id, Name: l.Name})
		}
		return nil
	})
	return out, err
}

func (g *Gmail) CreateLabel(ctx context.Context, name string) (Label, error) {
	var out Label
	err := g.call(ctx, "labels.create", func(ctx context.Context) error {
		l, err := g.svc.Users.Labels.Create(gmailUser, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = Label{ID: l.Id, Name: l.Name}
		return nil
	})
	return out, err
}

func (g *Gmail) RenameLabel(ctx context.Context, id, name string) (Label, error) {
	var out Label
	err := g.call(ctx, "labels.patch", func(ctx context.Context) error {
		l, err := g.svc.Users.Labels.Patch(gmailUser, id, &gmail.Label{Name: name}).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = Label{ID: l.Id, Name: l.Name}
		return nil
	})
	return out, err
}

// ModifyMessageLabels Gmail 的 modify 本身是幂等的
func (g *Gmail) ModifyMessageLabels(ctx context.Context, messageID string, add, remove []string) error {
	return g.call(ctx, "messages.modify", func(ctx context.Context) error {
		_, err := g.svc.Users.Messages.Modify(gmailUser, messageID, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

// classify 把 Gmail 错误映射到 provider 错误
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrLabelConflict, gErr.Message)
		case gErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, gErr.Message)
		case gErr.Code == http.StatusTooManyRequests || gErr.Code >= 500:
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, gErr.Code, gErr.Message)
		default:
			return fmt.Errorf("gmail api error %d: %s", gErr.Code, gErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
