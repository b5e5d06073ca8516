package chrome

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{NavigationTimeout: -time.Second}, nil)
	require.Error(t, err)

	b, err := New(Config{BlockResources: true}, nil)
	require.NoError(t, err)
	require.Equal(t, defaultNavigationTimeout, b.cfg.NavigationTimeout)
	require.Equal(t, defaultElementTimeout, b.cfg.ElementTimeout)
	require.Equal(t, DefaultBlockedHosts, b.cfg.BlockedHosts)

	b, err = New(Config{BlockResources: true, BlockedHosts: []string{}}, nil)
	require.NoError(t, err)
	require.Empty(t, b.cfg.BlockedHosts)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	plain, err := New(Config{}, nil)
	require.NoError(t, err)
	custom, err := New(Config{UserAgent: "harvester/1.0", ExecPath: "/usr/bin/chromium"}, nil)
	require.NoError(t, err)
	require.Len(t, custom.allocatorOptions(true), len(plain.allocatorOptions(true))+2)
	require.Len(t, plain.allocatorOptions(false), len(plain.allocatorOptions(true))-1)
}

func TestIsXPath(t *testing.T) {
	t.Parallel()

	require.True(t, isXPath("//table//tr[2]"))
	require.True(t, isXPath("(//a[contains(., 'XML')])[1]"))
	require.True(t, isXPath("  //button"))
	require.False(t, isXPath("#tabela tr"))
	require.False(t, isXPath("a.btn-download"))
}

func TestShouldBlock(t *testing.T) {
	t.Parallel()

	hosts := DefaultBlockedHosts
	require.True(t, shouldBlock(network.ResourceTypeImage, "https://portal.example.gov.br/logo.png", hosts))
	require.True(t, shouldBlock(network.ResourceTypeStylesheet, "https://portal.example.gov.br/site.css", hosts))
	require.True(t, shouldBlock(network.ResourceTypeScript, "https://www.google-analytics.com/analytics.js", hosts))
	require.True(t, shouldBlock(network.ResourceTypeXHR, "https://stats.g.doubleclick.net/collect", hosts))
	require.False(t, shouldBlock(network.ResourceTypeScript, "https://portal.example.gov.br/app.js", hosts))
	require.False(t, shouldBlock(network.ResourceTypeDocument, "https://notdoubleclick.net/", hosts))
	require.False(t, shouldBlock(network.ResourceTypeDocument, "::bad url", hosts))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.NoError(t, classify("op", nil, harvest.KindNetwork))

	err := classify("click #x", context.DeadlineExceeded, harvest.KindElementNotFound)
	require.Equal(t, harvest.KindTimeout, harvest.KindOf(err))
	require.True(t, harvest.Retryable(err))

	err = classify("click #x", errors.New("no node"), harvest.KindElementNotFound)
	require.Equal(t, harvest.KindElementNotFound, harvest.KindOf(err))

	err = classify("goto", context.Canceled, harvest.KindNetwork)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, harvest.Retryable(err))
}

func TestBoundedHonorsCallerCancellation(t *testing.T) {
	t.Parallel()

	p := &tab{ctx: context.Background()}
	caller, cancelCaller := context.WithCancel(context.Background())
	runCtx, cancel := p.bounded(caller, time.Minute)
	defer cancel()

	cancelCaller()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context not canceled with caller")
	}
}
