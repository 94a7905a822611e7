package fetchguard

import (
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.5",
	"en-GB,en;q=0.8,en-US;q=0.6",
}

type Identity struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewIdentity() *Identity {
	return &Identity{rnd: rand.New(rand.NewSource(rand.Int63()))}
}

func (i *Identity) pick(list []string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return list[i.rnd.Intn(len(list))]
}

func (i *Identity) UserAgent() string {
	return i.pick(userAgents)
}

// Headers leaves Accept-Encoding to the transport so gzip bodies are
// decoded transparently.
func (i *Identity) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", i.UserAgent())
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", i.pick(acceptLanguages))
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// ProxyRotator hands out proxies round robin.
type ProxyRotator struct {
	mu      sync.Mutex
	proxies []*url.URL
	next    int
}

func NewProxyRotator(raw []string) *ProxyRotator {
	r := &ProxyRotator{}
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "://") {
			p = "http://" + p
		}
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			continue
		}
		r.proxies = append(r.proxies, u)
	}
	return r
}

func (r *ProxyRotator) Len() int {
	return len(r.proxies)
}

// Next returns nil when no proxy is configured.
func (r *ProxyRotator) Next() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return nil
	}
	p := r.proxies[r.next]
	r.next = (r.next + 1) % len(r.proxies)
	return p
}

func (r *ProxyRotator) Transport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if r.Len() == 0 {
		return t
	}
	t.Proxy = func(*http.Request) (*url.URL, error) {
		return r.Next(), nil
	}
	return t
}
