package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spork-protocol/spork-go/pkg/discovery"
)

// DiscoverCmd lists endpoints announced on the local network.
type DiscoverCmd struct {
	Timeout   time.Duration `help:"How long to browse (default 5s)."`
	Interface string        `help:"Network interface to browse on."`
}

// Run browses until the timeout and prints one line per endpoint.
func (c *DiscoverCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, cancel := context.WithTimeout(ctx, c.browseTimeout())
	defer cancel()

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{Interface: c.Interface})
	results, err := browser.Browse(ctx)
	if err != nil {
		return err
	}

	found := 0
	for svc := range results {
		found++
		printService(globals.Out, svc)
	}
	if found == 0 {
		fmt.Fprintln(globals.Out, "no endpoints found")
	}
	return nil
}

func (c *DiscoverCmd) browseTimeout() time.Duration {
	if c.Timeout <= 0 {
		return discovery.BrowseTimeout
	}
	return c.Timeout
}

func printService(w io.Writer, svc *discovery.Service) {
	addr := svc.Host
	if len(svc.Addresses) > 0 {
		addr = svc.Addresses[0]
	}
	fmt.Fprintf(w, "%s  %s  alpn=%s  fp=%s",
		svc.Instance,
		net.JoinHostPort(addr, strconv.Itoa(int(svc.Port))),
		svc.ALPN,
		svc.Fingerprint)
	if svc.Version != "" {
		fmt.Fprintf(w, "  ver=%s", svc.Version)
	}
	fmt.Fprintln(w)
}
