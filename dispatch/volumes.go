package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// planVolumes 确定每个卷挂载的版本。
//
// checkpoint 恢复时以快照为准：快照中缺失的可选卷保持跳过，即使现在已存在。
// 其余情况按当前状态检查：显式版本必须存在；会话记录的版本失效时回退到 HEAD；
// 缺失的可选卷跳过，缺失的必需卷返回 NOT_FOUND。
func (d *Dispatcher) planVolumes(ctx context.Context, req resolver.Request, res *resolver.Resolution) ([]storage.VolumeMount, store.StringMap, error) {
	versions := store.StringMap{}
	var mounts []storage.VolumeMount
	add := func(v compose.VolumeMount, version string) {
		versions[v.Name] = version
		mounts = append(mounts, storage.VolumeMount{Name: v.Name, MountPath: v.MountPath, VersionID: version})
	}
	missing := func(v compose.VolumeMount) error {
		if v.Optional {
			d.logger.Debug("optional volume skipped", zap.String("volume", v.Name), zap.String("source", string(res.Source)))
			return nil
		}
		return types.NotFound("volume %q not found", v.Name)
	}

	for _, v := range res.Content.Volumes {
		explicit := req.VolumeVersions[v.Name]

		if explicit == "" && res.SnapshotVolumes {
			version, ok := res.VolumeVersions[v.Name]
			if !ok {
				if err := missing(v); err != nil {
					return nil, nil, err
				}
				continue
			}
			add(v, version)
			continue
		}

		vol, err := d.store.FindVolume(ctx, req.UserID, v.Name)
		if types.IsCode(err, types.ErrNotFound) {
			if err := missing(v); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if explicit != "" {
			ok, err := d.store.VolumeVersionExists(ctx, vol.ID, explicit)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, types.NotFound("volume %q version %s not found", v.Name, explicit)
			}
			add(v, explicit)
			continue
		}

		version := ""
		if stored := res.VolumeVersions[v.Name]; stored != "" && res.Source == resolver.SourceSession {
			ok, err := d.store.VolumeVersionExists(ctx, vol.ID, stored)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				version = stored
			}
		}
		if version == "" {
			if vol.HeadVersionID == nil {
				if err := missing(v); err != nil {
					return nil, nil, err
				}
				continue
			}
			version = *vol.HeadVersionID
		}
		add(v, version)
	}
	return mounts, versions, nil
}
