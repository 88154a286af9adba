package pdf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMarginMM = 15.0
)

type ChromedpConfig struct {
	// RemoteURL points at a running Chrome (ws://...). Empty launches a local headless browser.
	RemoteURL string
	NoSandbox bool
	Timeout   time.Duration
	Paper     PaperSize
	MarginMM  float64
	Logger    *zap.Logger
}

type ChromedpEngine struct {
	cfg         ChromedpConfig
	log         *zap.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewChromedpEngine(cfg ChromedpConfig) *ChromedpEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.Paper == (PaperSize{}) {
		cfg.Paper = PaperA4
	}

	if cfg.MarginMM <= 0 {
		cfg.MarginMM = defaultMarginMM
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &ChromedpEngine{cfg: cfg, log: log}

	if cfg.RemoteURL != "" {
		e.allocCtx, e.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		return e
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("font-render-hinting", "none"),
	)

	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}

	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)

	return e
}

func (e *ChromedpEngine) Print(ctx context.Context, html string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(e.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			e.log.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	// tie the tab lifetime to the caller's deadline
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	params := e.printParams()

	var data []byte

	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := params.Do(ctx)
			if err != nil {
				return err
			}
			data = buf
			return nil
		}),
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("pdf rendering timed out after %v: %w", e.cfg.Timeout, err)
		}
		return nil, fmt.Errorf("chromedp: %w", err)
	}

	if len(data) == 0 {
		return nil, errors.New("generated pdf is empty")
	}

	return data, nil
}

func (e *ChromedpEngine) printParams() *page.PrintToPDFParams {
	margin := mmToInches(e.cfg.MarginMM)

	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPaperWidth(mmToInches(e.cfg.Paper.Width)).
		WithPaperHeight(mmToInches(e.cfg.Paper.Height)).
		WithMarginTop(margin).
		WithMarginBottom(margin).
		WithMarginLeft(margin).
		WithMarginRight(margin)
}

func (e *ChromedpEngine) Close() error {
	if e.allocCancel != nil {
		e.allocCancel()
	}
	return nil
}

var _ Engine = (*ChromedpEngine)(nil)
