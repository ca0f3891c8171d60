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

// Package model declares the persisted entities of the storage plane.
package model

import "time"

// Storage backend types.
const (
	TypeS3       = "s3"
	TypeWebDAV   = "webdav"
	TypeOneDrive = "onedrive"
	TypeLocal    = "local"
)

// Upload session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionAborted   = "aborted"
	SessionFailed    = "failed"
	SessionExpired   = "expired"
)

// WebDAV mount policies.
const (
	WebDAVPolicyDefault   = "default"
	WebDAVPolicyRedirect  = "302_redirect"
	WebDAVPolicyProxyOnly = "proxy_only"
)

// StorageConfig is a backend account. Provider specific parameters live in
// Settings (json); Credentials is sealed with the process secret and never
// leaves the server unless explicitly requested by internal code.
type StorageConfig struct {
	ID                 string `gorm:"primaryKey;size:36"`
	Name               string `gorm:"size:255;not null"`
	Type               string `gorm:"size:32;index;not null"`
	Settings           string
	Credentials        string
	IsPublic           bool
	IsDefault          bool
	CustomHost         string `gorm:"size:512"`
	URLProxy           string `gorm:"size:512"`
	DefaultFolder      string `gorm:"size:512"`
	TotalStorageBytes  int64
	SignatureExpiresIn int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName implements the gorm Tabler interface.
func (StorageConfig) TableName() string { return "storage_configs" }

// Mount binds a virtual path prefix to a storage config.
type Mount struct {
	ID              string `gorm:"primaryKey;size:36"`
	MountPath       string `gorm:"size:512;uniqueIndex;not null"`
	StorageConfigID string `gorm:"size:36;index;not null"`
	// StorageType is denormalized from the config so resolution does not
	// need a join.
	StorageType  string `gorm:"size:32"`
	IsActive     bool   `gorm:"index"`
	WebProxy     bool
	WebDAVPolicy string `gorm:"size:32"`
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName implements the gorm Tabler interface.
func (Mount) TableName() string { return "mounts" }

// ShareRecord is an externally addressable object reference.
// The table keeps its historical name "files".
type ShareRecord struct {
	ID              string `gorm:"primaryKey;size:36"`
	Slug            string `gorm:"size:64;uniqueIndex;not null"`
	StorageConfigID string `gorm:"size:36;index:i_files_config"`
	StoragePath     string `gorm:"size:1024;index:i_files_config"`
	MimeType        string `gorm:"size:255"`
	Size            int64
	Remark          string `gorm:"size:1024"`
	// Password is a bcrypt hash; empty means unprotected.
	Password  string `gorm:"size:128"`
	ExpiresAt *time.Time
	MaxViews  int
	Views     int
	UseProxy  bool
	CreatedBy string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements the gorm Tabler interface.
func (ShareRecord) TableName() string { return "files" }

// UploadSession is the persistent record of a front-end driven multipart
// upload. The row is the ground truth for the client's view of progress;
// the backend owns the object itself.
type UploadSession struct {
	ID          string `gorm:"primaryKey;size:128"`
	Fingerprint string `gorm:"size:64;index:i_sessions_fp"`

	// ActiveFingerprint mirrors Fingerprint while the session is active
	// and is nulled on every transition out. The unique index makes "at
	// most one active session per fingerprint" a database constraint;
	// NULLs do not collide, so settled sessions never conflict.
	ActiveFingerprint *string `gorm:"size:64;uniqueIndex:u_sessions_active_fp"`
	StorageType       string  `gorm:"size:32"`
	StorageConfigID   string  `gorm:"size:36;index"`
	MountID           string  `gorm:"size:36;index"`
	FsPath            string  `gorm:"size:1024"`
	Source            string  `gorm:"size:16"`
	FileName          string  `gorm:"size:512"`
	FileSize          int64
	MimeType          string `gorm:"size:255"`
	Strategy          string `gorm:"size:32"`
	PartSize          int64
	TotalParts        int
	BytesUploaded     int64
	UploadedParts     int
	NextExpectedRange string `gorm:"size:255"`
	ProviderUploadID  string `gorm:"size:512;index"`
	ProviderUploadURL string `gorm:"size:2048"`
	Status            string `gorm:"size:16;index:i_sessions_fp"`
	ErrorCode         string `gorm:"size:64"`
	ErrorMessage      string `gorm:"size:1024"`
	StartedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         *time.Time
}

// TableName implements the gorm Tabler interface.
func (UploadSession) TableName() string { return "upload_sessions" }

// APIKey is a scoped machine identity. The secret column stores a salted
// hash of the presented key, never the key itself.
type APIKey struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:255"`
	Secret      string `gorm:"size:128;uniqueIndex;not null"`
	BasicPath   string `gorm:"size:512"`
	Authorities uint32
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// TableName implements the gorm Tabler interface.
func (APIKey) TableName() string { return "api_keys" }

// PrincipalStorageACL whitelists storage configs for a subject. The
// presence of any row for a subject restricts it to the listed configs;
// absence falls back to the config's is_public flag.
type PrincipalStorageACL struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	SubjectType     string `gorm:"size:32;index:i_acl_subject"`
	SubjectID       string `gorm:"size:36;index:i_acl_subject"`
	StorageConfigID string `gorm:"size:36;index"`
	CreatedAt       time.Time
}

// TableName implements the gorm Tabler interface.
func (PrincipalStorageACL) TableName() string { return "principal_storage_acl" }

// SystemSetting is a key/value row for runtime tunables.
type SystemSetting struct {
	Key       string `gorm:"primaryKey;size:64;column:key"`
	Value     string `gorm:"size:1024"`
	UpdatedAt time.Time
}

// TableName implements the gorm Tabler interface.
func (SystemSetting) TableName() string { return "system_settings" }

// ScheduledJobRun logs one execution of a background job.
type ScheduledJobRun struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Job        string `gorm:"size:64;index"`
	Status     string `gorm:"size:16"`
	Trigger    string `gorm:"size:16"`
	StartedAt  time.Time
	FinishedAt *time.Time
	Summary    string `gorm:"size:1024"`
	Details    string
}

// TableName implements the gorm Tabler interface.
func (ScheduledJobRun) TableName() string { return "scheduled_job_runs" }
