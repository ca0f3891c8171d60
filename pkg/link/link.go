// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package link decides how a file is exposed to the outside world. The
// strategies, in order of precedence: the gateway share proxy for records
// that opted into it, a custom host fronting the bucket, a native
// presigned URL optionally rewritten through a URL proxy, and finally the
// signed gateway proxy for backends that cannot presign.
package link

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unistor/unistor/pkg/crypto"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/storage"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/utils"
)

// Link kinds.
const (
	KindShareProxy = "share_proxy"
	KindCustomHost = "custom_host"
	KindPresigned  = "presigned"
	KindURLProxy   = "url_proxy"
	KindWebProxy   = "web_proxy"
)

// Routes served by the gateway itself.
const (
	ShareRoute = "/api/s"
	ProxyRoute = "/api/p"
)

// Service renders links.
type Service struct {
	signer *crypto.Signer
	// baseURL is the public origin of the gateway, without trailing slash.
	baseURL string
}

// NewService returns a link service.
func NewService(signer *crypto.Signer, baseURL string) *Service {
	return &Service{signer: signer, baseURL: strings.TrimRight(baseURL, "/")}
}

// Request carries everything the decision table looks at.
type Request struct {
	Config *model.StorageConfig
	// Mount is required for proxy links; presign-only requests may omit it.
	Mount *model.Mount
	// Driver is the live driver for the config, used for native presigning.
	Driver storage.Driver
	// StoragePath is the backend relative object key.
	StoragePath string
	// SubPath is the mount relative path, used for proxy links.
	SubPath string
	// Slug addresses the share record, when one exists.
	Slug string
	// UseProxy pins the link to the gateway share route.
	UseProxy bool
	Download bool
}

// Link is a rendered URL.
type Link struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

// Generate walks the strategy table and returns the first applicable link.
func (s *Service) Generate(ctx context.Context, req *Request) (*Link, error) {
	if req.Config == nil {
		return nil, errtypes.BadRequest("link request without storage config")
	}

	if req.UseProxy && req.Slug != "" {
		return s.shareLink(req.Slug, req.Download), nil
	}

	expiry := storageconfig.SignatureExpiry(req.Config)

	// a web proxied mount forces the local signed route over any direct
	// strategy the config would otherwise allow
	if req.Mount != nil && req.Mount.WebProxy {
		return s.webProxyLink(req.Mount, req.SubPath, expiry, req.Download), nil
	}

	if req.Config.CustomHost != "" && req.StoragePath != "" {
		return &Link{
			URL:  strings.TrimRight(req.Config.CustomHost, "/") + "/" + escapePath(strings.TrimPrefix(req.StoragePath, "/")),
			Kind: KindCustomHost,
		}, nil
	}

	if p, ok := req.Driver.(storage.Presigner); ok && req.SubPath != "" {
		pd, err := p.GenerateDownloadURL(ctx, req.SubPath, expiry, req.Download)
		if err != nil {
			return nil, err
		}
		if req.Config.URLProxy != "" {
			rewritten, err := rewriteThroughProxy(req.Config.URLProxy, pd.URL)
			if err != nil {
				return nil, err
			}
			return &Link{URL: rewritten, Kind: KindURLProxy, ExpiresIn: pd.ExpiresIn}, nil
		}
		return &Link{URL: pd.URL, Kind: KindPresigned, ExpiresIn: pd.ExpiresIn}, nil
	}

	if req.Mount != nil {
		return s.webProxyLink(req.Mount, req.SubPath, expiry, req.Download), nil
	}

	if req.Slug != "" {
		return s.shareLink(req.Slug, req.Download), nil
	}
	return nil, errtypes.NotSupported("no link strategy applies to this backend")
}

func (s *Service) shareLink(slug string, download bool) *Link {
	mode := "inline"
	if download {
		mode = "download"
	}
	return &Link{
		URL:  s.baseURL + ShareRoute + "/" + slug + "?mode=" + mode,
		Kind: KindShareProxy,
	}
}

// webProxyLink signs a gateway proxy URL for the mount.
func (s *Service) webProxyLink(m *model.Mount, subPath string, expiry time.Duration, download bool) *Link {
	virtual := utils.JoinPath(m.MountPath, subPath)
	ts := time.Now()
	q := url.Values{}
	q.Set("sig", s.signer.Sign(virtual, m.ID, ts))
	q.Set("ts", strconv.FormatInt(ts.Unix(), 10))
	if download {
		q.Set("mode", "download")
	}
	return &Link{
		URL:       s.baseURL + ProxyRoute + escapePath(virtual) + "?" + q.Encode(),
		Kind:      KindWebProxy,
		ExpiresIn: int64(expiry.Seconds()),
	}
}

// SignProxyPath signs a virtual path for the proxy route.
func (s *Service) SignProxyPath(virtualPath, mountID string) (sig, ts string) {
	now := time.Now()
	return s.signer.Sign(virtualPath, mountID, now), strconv.FormatInt(now.Unix(), 10)
}

// VerifyProxyPath checks the proxy signature for a mount using the
// config's signature lifetime.
func (s *Service) VerifyProxyPath(virtualPath string, m *model.Mount, cfg *model.StorageConfig, sig, ts string) error {
	return s.signer.Verify(virtualPath, m.ID, sig, ts, storageconfig.SignatureExpiry(cfg), time.Now())
}

// NeedsSignature reports whether proxy requests through the mount must
// carry a valid signature. Web proxied mounts and proxy-only WebDAV
// mounts always do.
func NeedsSignature(m *model.Mount) bool {
	if m == nil {
		return true
	}
	return m.WebProxy || m.WebDAVPolicy == model.WebDAVPolicyProxyOnly
}

// rewriteThroughProxy rebases a presigned URL onto the URL proxy prefix,
// keeping the query string intact.
func rewriteThroughProxy(proxyPrefix, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errtypes.BadRequest("malformed presigned url")
	}
	p, err := url.Parse(proxyPrefix)
	if err != nil || p.Host == "" {
		return "", errtypes.BadRequest("malformed url proxy prefix")
	}
	u.Scheme = p.Scheme
	u.Host = p.Host
	if base := strings.TrimRight(p.Path, "/"); base != "" {
		u.Path = base + u.Path
	}
	return u.String(), nil
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
