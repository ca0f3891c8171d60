package httpclient

import (
	"net/http"
	"time"
)

// New returns an http client configured through the given options.
// Drivers share one of these per instance; the zero configuration keeps
// the transport defaults but pins a timeout for control operations.
func New(opts ...Option) *http.Client {
	options := newOptions(opts...)

	rt := options.RoundTripper
	if rt == nil {
		rt = http.DefaultTransport
	}

	return &http.Client{
		Timeout:       options.Timeout,
		Transport:     rt,
		CheckRedirect: options.CheckRedirect,
	}
}

// Option defines a single option function.
type Option func(o *Options)

// Options defines the available options for this package.
type Options struct {
	CheckRedirect func(req *http.Request, via []*http.Request) error
	Timeout       time.Duration
	RoundTripper  http.RoundTripper
}

func newOptions(opts ...Option) Options {
	opt := Options{
		Timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(&opt)
	}
	return opt
}

// Timeout provides a function to set the timeout option.
// A zero timeout disables the limit, which streaming bodies need.
func Timeout(t time.Duration) Option {
	return func(o *Options) {
		o.Timeout = t
	}
}

// RoundTripper provides a function to set a custom RoundTripper.
func RoundTripper(rt http.RoundTripper) Option {
	return func(o *Options) {
		o.RoundTripper = rt
	}
}

// CheckRedirect provides a function to set a custom redirect policy.
func CheckRedirect(f func(req *http.Request, via []*http.Request) error) Option {
	return func(o *Options) {
		o.CheckRedirect = f
	}
}
