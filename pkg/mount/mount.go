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

// Package mount persists the virtual tree nodes and resolves FS-view paths
// to (mount, subPath) by longest prefix match over the active mounts.
package mount

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/unistor/unistor/pkg/ctx"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/utils"
)

const (
	activeSnapshotKey = "active"
	snapshotTTL       = 30 * time.Second
)

// MutateFunc is notified after every mount mutation so dependent caches
// can drop state scoped to the mount.
type MutateFunc func(mountID string)

// Resolved is the outcome of a path resolution.
type Resolved struct {
	Mount     *model.Mount
	MountPath string
	// SubPath is the remainder below the mount, always with a leading
	// slash; the mount root resolves to "/".
	SubPath string
}

// Registry persists mounts and resolves paths against them.
type Registry struct {
	db       *gorm.DB
	snapshot gcache.Cache
	onMutate MutateFunc
}

// NewRegistry returns a registry over the given store.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:       db,
		snapshot: gcache.New(4).LRU().Build(),
	}
}

// OnMutate registers the invalidation hook.
func (r *Registry) OnMutate(f MutateFunc) { r.onMutate = f }

func (r *Registry) notify(mountID string) {
	r.snapshot.Purge()
	if r.onMutate != nil {
		r.onMutate(mountID)
	}
}

// activeMounts returns the active mounts sorted by mount path length,
// longest first. The snapshot is cached briefly; mutations purge it.
func (r *Registry) activeMounts(c context.Context) ([]*model.Mount, error) {
	if v, err := r.snapshot.Get(activeSnapshotKey); err == nil {
		return v.([]*model.Mount), nil
	}
	var mounts []*model.Mount
	if err := r.db.WithContext(c).Find(&mounts, "is_active = ?", true).Error; err != nil {
		return nil, errtypes.RepositoryFailure("listing active mounts")
	}
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].MountPath) > len(mounts[j].MountPath)
	})
	_ = r.snapshot.SetWithExpire(activeSnapshotKey, mounts, snapshotTTL)
	return mounts, nil
}

// ResolveByPath maps an FS-view path to the longest matching active mount.
// Operations on the virtual root are rejected.
func (r *Registry) ResolveByPath(c context.Context, path string) (*Resolved, error) {
	path = utils.NormalizePath(path, false)
	if path == "/" {
		return nil, errtypes.PermissionDenied("operation on root not allowed")
	}
	mounts, err := r.activeMounts(c)
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		if path == m.MountPath || strings.HasPrefix(path, m.MountPath+"/") {
			sub := strings.TrimPrefix(path, m.MountPath)
			if sub == "" {
				sub = "/"
			}
			return &Resolved{Mount: m, MountPath: m.MountPath, SubPath: sub}, nil
		}
	}
	return nil, errtypes.NotFound("no mount for path " + path)
}

// FindAccessibleFor returns the active mounts the principal may see:
// admins see everything, API keys are limited to their path scope and to
// the configs their storage ACL (or, absent ACL rows, the is_public flag)
// permits.
func (r *Registry) FindAccessibleFor(c context.Context, p *ctx.Principal) ([]*model.Mount, error) {
	mounts, err := r.activeMounts(c)
	if err != nil {
		return nil, err
	}
	if p.IsAdmin() {
		return mounts, nil
	}

	allowed, err := r.allowedConfigs(c, p)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Mount, 0, len(mounts))
	for _, m := range mounts {
		if !utils.CanNavigate(p.ScopePath(), m.MountPath) {
			continue
		}
		if _, ok := allowed[m.StorageConfigID]; !ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// allowedConfigs returns the set of storage config ids the principal may
// use. ACL rows, when present, are a strict whitelist.
func (r *Registry) allowedConfigs(c context.Context, p *ctx.Principal) (map[string]struct{}, error) {
	allowed := map[string]struct{}{}
	if p.Kind == ctx.KindAPIKey {
		var rows []model.PrincipalStorageACL
		err := r.db.WithContext(c).
			Find(&rows, "subject_type = ? AND subject_id = ?", "API_KEY", p.ID).Error
		if err != nil {
			return nil, errtypes.RepositoryFailure("reading storage acl")
		}
		if len(rows) > 0 {
			for _, row := range rows {
				allowed[row.StorageConfigID] = struct{}{}
			}
			return allowed, nil
		}
	}
	var ids []string
	err := r.db.WithContext(c).Model(&model.StorageConfig{}).
		Where("is_public = ?", true).Pluck("id", &ids).Error
	if err != nil {
		return nil, errtypes.RepositoryFailure("reading public configs")
	}
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return allowed, nil
}

// Get returns the mount with the given id.
func (r *Registry) Get(c context.Context, id string) (*model.Mount, error) {
	var m model.Mount
	err := r.db.WithContext(c).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errtypes.NotFound("mount " + id)
	}
	if err != nil {
		return nil, errtypes.RepositoryFailure("reading mount")
	}
	return &m, nil
}

// List returns all mounts, active or not.
func (r *Registry) List(c context.Context) ([]*model.Mount, error) {
	var mounts []*model.Mount
	if err := r.db.WithContext(c).Order("mount_path").Find(&mounts).Error; err != nil {
		return nil, errtypes.RepositoryFailure("listing mounts")
	}
	return mounts, nil
}

// Create persists a new mount.
func (r *Registry) Create(c context.Context, m *model.Mount) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.MountPath = utils.NormalizePath(m.MountPath, false)
	if m.MountPath == "/" {
		return errtypes.BadRequest("cannot mount at the virtual root")
	}
	if err := r.db.WithContext(c).Create(m).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return errtypes.AlreadyExists("mount path " + m.MountPath)
		}
		return errtypes.RepositoryFailure("creating mount")
	}
	r.notify(m.ID)
	return nil
}

// Update persists changes to a mount and invalidates dependent caches.
func (r *Registry) Update(c context.Context, m *model.Mount) error {
	m.MountPath = utils.NormalizePath(m.MountPath, false)
	if err := r.db.WithContext(c).Save(m).Error; err != nil {
		return errtypes.RepositoryFailure("updating mount")
	}
	r.notify(m.ID)
	return nil
}

// Delete removes a mount and invalidates dependent caches.
func (r *Registry) Delete(c context.Context, id string) error {
	if err := r.db.WithContext(c).Delete(&model.Mount{}, "id = ?", id).Error; err != nil {
		return errtypes.RepositoryFailure("deleting mount")
	}
	r.notify(id)
	return nil
}

// Touch updates last_used_at, best effort.
func (r *Registry) Touch(c context.Context, id string) {
	now := utils.TSNow()
	_ = r.db.WithContext(c).Model(&model.Mount{}).
		Where("id = ?", id).Update("last_used_at", now).Error
}
