// Package storage 为沙箱生成卷与 artifact 的下载清单，对象通过
// S3 兼容存储的预签名 URL 直接下载，不经过编排服务。
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/BaSui01/agentrun/internal/tlsutil"
)

// ManifestPath 清单在沙箱内的写入位置。
const ManifestPath = "/tmp/agentrun/storage-manifest.json"

// Config 对象存储配置。
type Config struct {
	Endpoint   string        `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey  string        `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey  string        `yaml:"secret_key" env:"SECRET_KEY"`
	Region     string        `yaml:"region" env:"REGION"`
	Bucket     string        `yaml:"bucket" env:"BUCKET"`
	UseSSL     bool          `yaml:"use_ssl" env:"USE_SSL"`
	PresignTTL time.Duration `yaml:"presign_ttl" env:"PRESIGN_TTL"`
}

// Validate 校验必填项。
func (c Config) Validate() error {
	if c.Endpoint == "" || c.Bucket == "" {
		return fmt.Errorf("object store endpoint and bucket are required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("object store credentials are required")
	}
	return nil
}

// Presigner 生成预签名下载 URL。
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// MinioPresigner 基于 minio-go 的 Presigner。
type MinioPresigner struct {
	client *minio.Client
}

// NewMinioPresigner 创建 minio 客户端。
func NewMinioPresigner(cfg Config) (*MinioPresigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: tlsutil.SecureTransport(nil),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioPresigner{client: client}, nil
}

// PresignGet 生成 GET 预签名 URL。
func (p *MinioPresigner) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := p.client.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// CheckBucket 确认 bucket 存在，用于启动时自检。
func (p *MinioPresigner) CheckBucket(ctx context.Context, bucket string) error {
	ok, err := p.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket missing: %s", bucket)
	}
	return nil
}

// =============================================================================
// 📦 下载清单
// =============================================================================

// VolumeKey 卷版本对象键。
func VolumeKey(name, version string) string {
	return fmt.Sprintf("volumes/%s/%s.tar.gz", name, version)
}

// ArtifactKey artifact 版本对象键。
func ArtifactKey(name, version string) string {
	return fmt.Sprintf("artifacts/%s/%s.tar.gz", name, version)
}

// VolumeMount 待下载的卷。
type VolumeMount struct {
	Name      string
	MountPath string
	VersionID string
}

// Artifact 待恢复的 artifact。
type Artifact struct {
	Name      string
	Version   string
	MountPath string
}

// ManifestEntry 清单条目。
type ManifestEntry struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	MountPath string `json:"mount_path"`
	URL       string `json:"url"`
}

// Manifest 沙箱下载助手读取的清单。
type Manifest struct {
	Volumes  []ManifestEntry `json:"volumes"`
	Artifact *ManifestEntry  `json:"artifact,omitempty"`
}

// Empty 没有任何需要下载的内容。
func (m *Manifest) Empty() bool {
	return m == nil || (len(m.Volumes) == 0 && m.Artifact == nil)
}

// Marshal 序列化清单。
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// ManifestBuilder 构建下载清单。
type ManifestBuilder struct {
	presigner Presigner
	bucket    string
	ttl       time.Duration
}

// NewManifestBuilder 创建清单构建器。
func NewManifestBuilder(presigner Presigner, bucket string, ttl time.Duration) *ManifestBuilder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ManifestBuilder{presigner: presigner, bucket: bucket, ttl: ttl}
}

// Build 为每个卷与 artifact 生成预签名 URL。没有内容时返回 nil。
func (b *ManifestBuilder) Build(ctx context.Context, volumes []VolumeMount, artifact *Artifact) (*Manifest, error) {
	if len(volumes) == 0 && artifact == nil {
		return nil, nil
	}
	m := &Manifest{Volumes: make([]ManifestEntry, 0, len(volumes))}
	for _, v := range volumes {
		u, err := b.presigner.PresignGet(ctx, b.bucket, VolumeKey(v.Name, v.VersionID), b.ttl)
		if err != nil {
			return nil, err
		}
		m.Volumes = append(m.Volumes, ManifestEntry{Name: v.Name, Version: v.VersionID, MountPath: v.MountPath, URL: u})
	}
	if artifact != nil {
		u, err := b.presigner.PresignGet(ctx, b.bucket, ArtifactKey(artifact.Name, artifact.Version), b.ttl)
		if err != nil {
			return nil, err
		}
		m.Artifact = &ManifestEntry{Name: artifact.Name, Version: artifact.Version, MountPath: artifact.MountPath, URL: u}
	}
	return m, nil
}
