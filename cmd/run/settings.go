package run

import (
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

// pipelineConfig maps settings to the supervisor configuration. Zero
// durations fall back to the pipeline defaults.
func pipelineConfig(settings *conf.Settings, loc *time.Location) pipeline.Config {
	cfg := pipeline.DefaultConfig()

	if settings.Upload.Capacity > 0 {
		cfg.UploadCapacity = settings.Upload.Capacity
	}

	v := &settings.Vision
	cfg.Vision.ConfidenceFloor = v.ConfidenceFloor
	cfg.Vision.AllowList = append([]string(nil), v.AllowList...)
	setDuration(&cfg.Vision.Interval, v.DetectionInterval)
	setDuration(&cfg.Vision.AnnounceCooldown, v.AnnounceCooldown)
	setDuration(&cfg.Vision.FrameBackoff, v.FrameBackoff)
	setDuration(&cfg.Vision.ErrorBackoff, v.ErrorBackoff)
	cfg.Vision.Location = loc

	r := &settings.Ranging
	cfg.Range.Thresholds = pipeline.Thresholds{
		Stop:    r.Thresholds.Stop,
		Warning: r.Thresholds.Warning,
		Caution: r.Thresholds.Caution,
	}
	cfg.Range.Styles = tierStyles(&r.Tiers)
	setDuration(&cfg.Range.CyclePeriod, r.CyclePeriod)
	setDuration(&cfg.Range.ErrorPeriod, r.ErrorPeriod)
	setDuration(&cfg.Range.AnnounceInterval, r.AnnounceInterval)
	setDuration(&cfg.Range.MeasureTimeout, r.MeasureTimeout)
	cfg.Range.Location = loc

	setDuration(&cfg.Announcer.PopTimeout, settings.Speech.PopTimeout)
	setDuration(&cfg.Announcer.Grace, settings.Speech.Grace)

	up := &settings.Upload
	setDuration(&cfg.Uploader.PopTimeout, up.PopTimeout)
	setDuration(&cfg.Uploader.Grace, up.Grace)
	cfg.Uploader.RateLimit = up.RateLimit
	if up.Retry.Attempts > 0 {
		cfg.Uploader.Retry.Attempts = up.Retry.Attempts
	}
	setDuration(&cfg.Uploader.Retry.InitialDelay, up.Retry.InitialDelay)
	setDuration(&cfg.Uploader.Retry.MaxDelay, up.Retry.MaxDelay)
	if up.Retry.Multiplier > 0 {
		cfg.Uploader.Retry.Multiplier = up.Retry.Multiplier
	}

	setDuration(&cfg.SOS.UploadTimeout, settings.GPS.SOSTimeout)
	setDuration(&cfg.SOS.PositionErrorBackoff, settings.GPS.ErrorBackoff)
	cfg.SOS.MaxFixAge = max(settings.GPS.MaxFixAge, 0)

	sd := &settings.Shutdown
	setDuration(&cfg.Shutdown.UploaderTimeout, sd.UploaderTimeout)
	setDuration(&cfg.Shutdown.AnnouncerTimeout, sd.AnnouncerTimeout)
	setDuration(&cfg.Shutdown.CloseTimeout, sd.CloseTimeout)

	return cfg
}

// tierStyles converts the configured labels and colors. Tiers without a
// label keep the built-in style.
func tierStyles(t *conf.TierStyles) pipeline.TierStyles {
	styles := pipeline.DefaultTierStyles()
	for tier, s := range map[pipeline.Tier]conf.TierStyle{
		pipeline.TierStop:    t.Stop,
		pipeline.TierWarning: t.Warning,
		pipeline.TierCaution: t.Caution,
		pipeline.TierClear:   t.Clear,
		pipeline.TierError:   t.Error,
	} {
		style := styles[tier]
		if s.Label != "" {
			style.Label = s.Label
		}
		if len(s.Color) == 3 {
			style.Color = [3]uint8{clampColor(s.Color[0]), clampColor(s.Color[1]), clampColor(s.Color[2])}
		}
		styles[tier] = style
	}
	return styles
}

func clampColor(c int) uint8 {
	return uint8(min(max(c, 0), 255)) //nolint:gosec // clamped to the uint8 range
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
