package registry

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// Account is a trading account loaded into the process. It is never mutated
// after load.
type Account struct {
	ID            string
	Name          string
	PublicAddress string
	PrivateKey    string
	ProxyID       string
}

type Proxy struct {
	ID       string
	Host     string
	Port     string
	Username string
	Password string
}

// URL renders the proxy as an http proxy URL.
func (p Proxy) URL() *url.URL {
	host := p.Host
	if p.Port != "" {
		host = net.JoinHostPort(p.Host, p.Port)
	}
	u := &url.URL{Scheme: "http", Host: host}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

type Batch struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Account1ID string    `json:"account_1_id"`
	Account2ID string    `json:"account_2_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// BatchAccount pairs an account with its resolved proxy, if any.
type BatchAccount struct {
	Account Account
	Proxy   *Proxy
}

// Transport routes requests through the account's proxy. It is nil when
// the account has none, which selects the default transport.
func (b BatchAccount) Transport() http.RoundTripper {
	if b.Proxy == nil {
		return nil
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = http.ProxyURL(b.Proxy.URL())
	return t
}
