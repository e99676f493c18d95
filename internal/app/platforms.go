package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"postflow/internal/config"
	"postflow/internal/platform"
	"postflow/internal/platform/dryrun"
	"postflow/internal/platform/telegram"
	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

type telegramOptions struct {
	APIURL         string `json:"api_url"`
	HTTPTimeout    string `json:"http_timeout"`
	DisablePreview bool   `json:"disable_preview"`
}

type dryrunOptions struct {
	MaxLength   int  `json:"max_length"`
	FailPublish bool `json:"fail_publish"`
}

// decodeOptions strictly decodes a platform options block; an empty block is allowed.
func decodeOptions(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// newCapability builds the implementation selected by the platform's type.
func newCapability(id string, pc config.PlatformConfig, log logx.Logger) (platform.Capability, error) {
	path := "platforms." + id + ".options"
	switch kind := pc.Kind(id); kind {
	case "telegram":
		var o telegramOptions
		if err := decodeOptions(pc.Options, &o); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		timeout, err := config.ParseDurationField(path+".http_timeout", o.HTTPTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			APIURL:         o.APIURL,
			HTTPTimeout:    timeout,
			DisablePreview: o.DisablePreview,
		}, log), nil
	case "dryrun":
		var o dryrunOptions
		if err := decodeOptions(pc.Options, &o); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return dryrun.New(dryrun.Config{MaxLength: o.MaxLength, FailPublish: o.FailPublish}, log), nil
	default:
		return nil, fmt.Errorf("platforms.%s: unknown type %q", id, kind)
	}
}

// buildRegistry registers a guarded capability for every enabled platform.
// Registration order is lexical so logs and errors are stable.
func buildRegistry(cfg *config.Config, obs platform.Observer, log logx.Logger) (*platform.Registry, error) {
	reg := platform.NewRegistry()
	ids := make([]string, 0, len(cfg.Platforms))
	for id := range cfg.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pc := cfg.Platforms[id]
		if !pc.Enabled {
			log.Debug("platform disabled", logx.String("platform", id))
			continue
		}
		pid := publish.PlatformID(id).Normalize()
		plog := log.With(logx.String("platform", string(pid)))
		capab, err := newCapability(id, pc, plog)
		if err != nil {
			return nil, err
		}
		gcfg, err := pc.Guard(id)
		if err != nil {
			return nil, err
		}
		var opts []platform.GuardOption
		if obs != nil {
			opts = append(opts, platform.WithObserver(obs))
		}
		if err := reg.Register(pid, platform.NewGuard(pid, capab, gcfg, plog, opts...)); err != nil {
			return nil, err
		}
		log.Info("platform registered", logx.String("platform", string(pid)), logx.String("type", pc.Kind(id)))
	}
	return reg, nil
}

// validatePlatforms builds every configured capability without keeping it, so a
// reload with a bad options block is rejected.
func validatePlatforms(cfg *config.Config) error {
	_, err := buildRegistry(cfg, nil, logx.Nop())
	return err
}
