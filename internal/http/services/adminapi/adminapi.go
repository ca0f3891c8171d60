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

// Package adminapi is the operator surface: storage configs, mounts, api
// keys, storage ACLs, settings, driver cache control and background job
// visibility. Credentials go in through this API but never come back out.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/unistor/unistor/internal/http/services/httperrors"
	"github.com/unistor/unistor/pkg/apikey"
	"github.com/unistor/unistor/pkg/errtypes"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	"github.com/unistor/unistor/pkg/storage/registry"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/store/model"
	"github.com/unistor/unistor/pkg/upload"
	"github.com/unistor/unistor/pkg/utils"
)

// Service is the adminapi handler set.
type Service struct {
	db       *gorm.DB
	configs  *storageconfig.Store
	mounts   *mount.Registry
	keys     *apikey.Service
	settings *store.Settings
	drivers  *cache.Cache
	ledger   *upload.Ledger
	sweeper  *upload.Sweeper
}

// New returns the service.
func New(db *gorm.DB, configs *storageconfig.Store, mounts *mount.Registry,
	keys *apikey.Service, settings *store.Settings, drivers *cache.Cache,
	ledger *upload.Ledger, sweeper *upload.Sweeper) *Service {
	return &Service{
		db:       db,
		configs:  configs,
		mounts:   mounts,
		keys:     keys,
		settings: settings,
		drivers:  drivers,
		ledger:   ledger,
		sweeper:  sweeper,
	}
}

// Routes mounts the handlers on r. The caller wraps r in the admin guard.
func (s *Service) Routes(r chi.Router) {
	r.Get("/drivers", s.listDrivers)

	r.Get("/configs", s.listConfigs)
	r.Post("/configs", s.createConfig)
	r.Post("/configs/test", s.testConfig)
	r.Get("/configs/{id}", s.getConfig)
	r.Put("/configs/{id}", s.updateConfig)
	r.Delete("/configs/{id}", s.deleteConfig)

	r.Get("/mounts", s.listMounts)
	r.Post("/mounts", s.createMount)
	r.Put("/mounts/{id}", s.updateMount)
	r.Delete("/mounts/{id}", s.deleteMount)

	r.Get("/keys", s.listKeys)
	r.Post("/keys", s.createKey)
	r.Put("/keys/{id}", s.updateKey)
	r.Delete("/keys/{id}", s.deleteKey)

	r.Get("/acl", s.listACL)
	r.Post("/acl", s.createACL)
	r.Delete("/acl/{id}", s.deleteACL)

	r.Get("/settings/{key}", s.getSetting)
	r.Put("/settings/{key}", s.setSetting)

	r.Get("/cache/stats", s.cacheStats)
	r.Post("/cache/clear", s.cacheClear)

	r.Get("/uploads", s.listUploads)
	r.Get("/uploads/activity", s.uploadActivity)

	r.Get("/jobs", s.listJobRuns)
	r.Post("/jobs/sweep", s.triggerSweep)
}

type driverView struct {
	Type         storage.Type          `json:"type"`
	Capabilities []storage.Capability  `json:"capabilities"`
	Schema       []storage.SchemaField `json:"schema"`
}

func (s *Service) listDrivers(w http.ResponseWriter, r *http.Request) {
	types := registry.Types()
	out := make([]driverView, 0, len(types))
	for _, t := range types {
		reg, _ := registry.Get(t)
		out = append(out, driverView{
			Type:         t,
			Capabilities: reg.Capabilities,
			Schema:       reg.Schema,
		})
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

// configBody is the create/update payload. Credentials ride separately
// from settings so they can be sealed; on update a nil map keeps the
// existing sealed value.
type configBody struct {
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	Settings           string            `json:"settings"`
	Credentials        map[string]string `json:"credentials"`
	IsPublic           bool              `json:"isPublic"`
	IsDefault          bool              `json:"isDefault"`
	CustomHost         string            `json:"customHost"`
	URLProxy           string            `json:"urlProxy"`
	DefaultFolder      string            `json:"defaultFolder"`
	TotalStorageBytes  int64             `json:"totalStorageBytes"`
	SignatureExpiresIn int               `json:"signatureExpiresIn"`
}

func (b *configBody) apply(cfg *model.StorageConfig) {
	cfg.Name = b.Name
	cfg.Settings = b.Settings
	cfg.IsPublic = b.IsPublic
	cfg.IsDefault = b.IsDefault
	cfg.CustomHost = b.CustomHost
	cfg.URLProxy = b.URLProxy
	cfg.DefaultFolder = b.DefaultFolder
	cfg.TotalStorageBytes = b.TotalStorageBytes
	cfg.SignatureExpiresIn = b.SignatureExpiresIn
}

// rawMap rebuilds the driver input map from a prospective config, the way
// the runtime does for persisted ones.
func (b *configBody) rawMap() (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if b.Settings != "" {
		if err := json.Unmarshal([]byte(b.Settings), &m); err != nil {
			return nil, errtypes.BadRequest("settings is not valid json")
		}
	}
	for k, v := range b.Credentials {
		m[k] = v
	}
	m["custom_host"] = b.CustomHost
	m["default_folder"] = b.DefaultFolder
	if b.SignatureExpiresIn > 0 {
		m["signature_expires_in"] = b.SignatureExpiresIn
	}
	return m, nil
}

func (s *Service) listConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.configs.List(r.Context())
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	out := make([]*storageconfig.Projection, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, storageconfig.ProjectForAPI(cfg))
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, storageconfig.ProjectForAPI(cfg))
}

func (s *Service) createConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	reg, ok := registry.Get(storage.Type(body.Type))
	if !ok {
		httperrors.Write(w, r, errtypes.BadRequest("unknown storage type "+body.Type))
		return
	}
	raw, err := body.rawMap()
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if reg.Validate != nil {
		if res := reg.Validate(raw); !res.Valid {
			httperrors.WriteJSON(w, http.StatusUnprocessableEntity, res)
			return
		}
	}
	cfg := &model.StorageConfig{Type: body.Type}
	body.apply(cfg)
	if err := s.configs.Create(r.Context(), cfg, body.Credentials); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, storageconfig.ProjectForAPI(cfg))
}

func (s *Service) updateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if body.Type != "" && body.Type != cfg.Type {
		httperrors.Write(w, r, errtypes.BadRequest("the type of a config cannot change"))
		return
	}
	body.apply(cfg)
	if err := s.configs.Update(r.Context(), cfg, body.Credentials); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, storageconfig.ProjectForAPI(cfg))
}

func (s *Service) deleteConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var n int64
	if err := s.db.WithContext(r.Context()).Model(&model.Mount{}).
		Where("storage_config_id = ?", id).Count(&n).Error; err != nil {
		httperrors.Write(w, r, errtypes.RepositoryFailure("counting mounts"))
		return
	}
	if n > 0 {
		httperrors.Write(w, r, errtypes.BadRequest("config is still referenced by mounts"))
		return
	}
	if err := s.configs.Delete(r.Context(), id); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

// testConfig probes connectivity without persisting anything.
func (s *Service) testConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	reg, ok := registry.Get(storage.Type(body.Type))
	if !ok {
		httperrors.Write(w, r, errtypes.BadRequest("unknown storage type "+body.Type))
		return
	}
	raw, err := body.rawMap()
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	if reg.Test == nil {
		httperrors.Write(w, r, errtypes.NotSupported("driver has no connectivity test"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	report, err := reg.Test(ctx, raw)
	if err != nil {
		report = &storage.TestReport{OK: false, Message: err.Error()}
	}
	httperrors.WriteJSON(w, http.StatusOK, report)
}

type mountBody struct {
	MountPath       string `json:"mountPath"`
	StorageConfigID string `json:"storageConfigId"`
	IsActive        *bool  `json:"isActive"`
	WebProxy        bool   `json:"webProxy"`
	WebDAVPolicy    string `json:"webdavPolicy"`
}

func validWebDAVPolicy(p string) bool {
	switch p {
	case "", model.WebDAVPolicyDefault, model.WebDAVPolicyRedirect, model.WebDAVPolicyProxyOnly:
		return true
	}
	return false
}

func (s *Service) listMounts(w http.ResponseWriter, r *http.Request) {
	mounts, err := s.mounts.List(r.Context())
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, mounts)
}

func (s *Service) createMount(w http.ResponseWriter, r *http.Request) {
	var body mountBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if !validWebDAVPolicy(body.WebDAVPolicy) {
		httperrors.Write(w, r, errtypes.BadRequest("unknown webdav policy "+body.WebDAVPolicy))
		return
	}
	cfg, err := s.configs.Get(r.Context(), body.StorageConfigID)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	m := &model.Mount{
		MountPath:       utils.NormalizePath(body.MountPath, false),
		StorageConfigID: cfg.ID,
		StorageType:     cfg.Type,
		IsActive:        true,
		WebProxy:        body.WebProxy,
		WebDAVPolicy:    body.WebDAVPolicy,
	}
	if body.IsActive != nil {
		m.IsActive = *body.IsActive
	}
	if err := s.mounts.Create(r.Context(), m); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, m)
}

func (s *Service) updateMount(w http.ResponseWriter, r *http.Request) {
	m, err := s.mounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body mountBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if !validWebDAVPolicy(body.WebDAVPolicy) {
		httperrors.Write(w, r, errtypes.BadRequest("unknown webdav policy "+body.WebDAVPolicy))
		return
	}
	if body.MountPath != "" {
		m.MountPath = utils.NormalizePath(body.MountPath, false)
	}
	if body.StorageConfigID != "" && body.StorageConfigID != m.StorageConfigID {
		cfg, err := s.configs.Get(r.Context(), body.StorageConfigID)
		if err != nil {
			httperrors.Write(w, r, err)
			return
		}
		m.StorageConfigID = cfg.ID
		m.StorageType = cfg.Type
	}
	if body.IsActive != nil {
		m.IsActive = *body.IsActive
	}
	m.WebProxy = body.WebProxy
	m.WebDAVPolicy = body.WebDAVPolicy
	if err := s.mounts.Update(r.Context(), m); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, m)
}

func (s *Service) deleteMount(w http.ResponseWriter, r *http.Request) {
	if err := s.mounts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

type keyBody struct {
	Name        string `json:"name"`
	BasicPath   string `json:"basicPath"`
	Authorities uint32 `json:"authorities"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (s *Service) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	for _, k := range keys {
		k.Secret = ""
	}
	httperrors.WriteJSON(w, http.StatusOK, keys)
}

func (s *Service) createKey(w http.ResponseWriter, r *http.Request) {
	var body keyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if body.Name == "" {
		httperrors.Write(w, r, errtypes.BadRequest("name required"))
		return
	}
	var expiresAt *time.Time
	if body.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	k, plain, err := s.keys.Create(r.Context(), body.Name, body.BasicPath, body.Authorities, expiresAt)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	k.Secret = ""
	httperrors.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"key":   k,
		"token": plain,
	})
}

func (s *Service) updateKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	var body keyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if body.Name != "" {
		k.Name = body.Name
	}
	k.BasicPath = body.BasicPath
	k.Authorities = body.Authorities
	if body.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		k.ExpiresAt = &t
	}
	if err := s.keys.Update(r.Context(), k); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	k.Secret = ""
	httperrors.WriteJSON(w, http.StatusOK, k)
}

func (s *Service) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

func (s *Service) listACL(w http.ResponseWriter, r *http.Request) {
	q := s.db.WithContext(r.Context()).Order("created_at")
	if sid := r.URL.Query().Get("subjectId"); sid != "" {
		q = q.Where("subject_id = ?", sid)
	}
	var rows []model.PrincipalStorageACL
	if err := q.Find(&rows).Error; err != nil {
		httperrors.Write(w, r, errtypes.RepositoryFailure("listing storage acl"))
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, rows)
}

func (s *Service) createACL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubjectType     string `json:"subjectType"`
		SubjectID       string `json:"subjectId"`
		StorageConfigID string `json:"storageConfigId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if body.SubjectType == "" || body.SubjectID == "" || body.StorageConfigID == "" {
		httperrors.Write(w, r, errtypes.BadRequest("subjectType, subjectId and storageConfigId required"))
		return
	}
	if _, err := s.configs.Get(r.Context(), body.StorageConfigID); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	row := model.PrincipalStorageACL{
		SubjectType:     body.SubjectType,
		SubjectID:       body.SubjectID,
		StorageConfigID: body.StorageConfigID,
	}
	if err := s.db.WithContext(r.Context()).Create(&row).Error; err != nil {
		httperrors.Write(w, r, errtypes.RepositoryFailure("creating acl row"))
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, row)
}

func (s *Service) deleteACL(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed acl id"))
		return
	}
	res := s.db.WithContext(r.Context()).Delete(&model.PrincipalStorageACL{}, "id = ?", id)
	if res.Error != nil {
		httperrors.Write(w, r, errtypes.RepositoryFailure("deleting acl row"))
		return
	}
	if res.RowsAffected == 0 {
		httperrors.Write(w, r, errtypes.NotFound("acl row"))
		return
	}
	httperrors.WriteJSON(w, http.StatusNoContent, nil)
}

// settableKeys is the whitelist of runtime tunables.
var settableKeys = map[string]struct{}{
	store.SettingMaxUploadSize:  {},
	store.SettingNamingStrategy: {},
}

func (s *Service) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.settings.Get(r.Context(), key)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Service) setSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := settableKeys[key]; !ok {
		httperrors.Write(w, r, errtypes.BadRequest("unknown setting "+key))
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.Write(w, r, errtypes.BadRequest("malformed request body"))
		return
	}
	if err := s.settings.Set(r.Context(), key, body.Value); err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

func (s *Service) cacheStats(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, s.drivers.Stats())
}

func (s *Service) cacheClear(w http.ResponseWriter, r *http.Request) {
	s.drivers.Clear()
	httperrors.WriteJSON(w, http.StatusOK, s.drivers.Stats())
}

func (s *Service) listUploads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.ledger.ListActive(r.Context(), limit)
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, sessions)
}

func (s *Service) uploadActivity(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}
	buckets, err := s.ledger.ActivityHistogram(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		httperrors.Write(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, buckets)
}

func (s *Service) listJobRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var runs []model.ScheduledJobRun
	q := s.db.WithContext(r.Context()).Order("started_at DESC").Limit(limit)
	if job := r.URL.Query().Get("job"); job != "" {
		q = q.Where("job = ?", job)
	}
	if err := q.Find(&runs).Error; err != nil {
		httperrors.Write(w, r, errtypes.RepositoryFailure("listing job runs"))
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, runs)
}

func (s *Service) triggerSweep(w http.ResponseWriter, r *http.Request) {
	s.sweeper.SweepOnce(r.Context(), "manual")
	httperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"job": "upload_session_sweep"})
}
