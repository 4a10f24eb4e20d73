package discovery

import (
	"context"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServices are the two service types spec.md §4.7 names: HiSLIP
// and the generic LXI discovery protocol VICP-capable instruments also
// answer to.
var mdnsServices = []string{"_hislip._tcp", "_lxi._tcp"}

// LXIFound is one mDNS-advertised HiSLIP or LXI instrument.
type LXIFound struct {
	Service  string
	Instance string
	Host     string
	Port     int
	TXT      []string
}

// DiscoverLXI browses _hislip._tcp.local. and _lxi._tcp.local. for
// timeout and returns every instance seen, with its TXT records intact
// so the caller can filter on them (spec.md §4.7: "filter by TXT
// records").
func DiscoverLXI(timeout time.Duration) ([]LXIFound, error) {
	var found []LXIFound

	for _, service := range mdnsServices {
		entries, err := browse(service, timeout)
		if err != nil {
			continue // one service type misbehaving shouldn't sink the other
		}
		found = append(found, entries...)
	}

	return found, nil
}

func browse(service string, timeout time.Duration) ([]LXIFound, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var results []LXIFound
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			host := entry.HostName
			if len(entry.AddrIPv4) > 0 {
				host = entry.AddrIPv4[0].String()
			}
			results = append(results, LXIFound{
				Service:  service,
				Instance: entry.Instance,
				Host:     host,
				Port:     entry.Port,
				TXT:      entry.Text,
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		cancel()
		<-done
		return nil, err
	}

	<-ctx.Done()
	<-done
	return results, nil
}
