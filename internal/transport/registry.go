package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Bundle is what a protocol provider contributes at link time: the session
// dialer and the QR renderer that matches its pairing payload format.
type Bundle struct {
	Dialer    Dialer
	QREncoder QREncoder
}

var (
	regMu     sync.Mutex
	providers = map[string]func() (Bundle, error){}
)

// RegisterProvider makes a protocol provider available by name. Providers
// register from an init() in their own package and are selected by config,
// the database/sql driver pattern.
func RegisterProvider(name string, open func() (Bundle, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := providers[name]; dup {
		panic("transport: provider registered twice: " + name)
	}
	providers[name] = open
}

// OpenProvider opens the named provider, or fails listing what is linked in.
func OpenProvider(name string) (Bundle, error) {
	regMu.Lock()
	open, ok := providers[name]
	regMu.Unlock()
	if !ok {
		return Bundle{}, fmt.Errorf("transport: unknown provider %q (linked: %v)", name, providerNames())
	}
	return open()
}

func providerNames() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
