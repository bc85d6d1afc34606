package conf

import "github.com/spf13/viper"

// setDefaults registers default values for every tunable so a sparse
// config document still yields a runnable system.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "guardian")
	v.SetDefault("app.defaultchannelprefix", ChannelPrefixVideo)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "log/guardian.log")
	v.SetDefault("logging.maxsizemb", 100)
	v.SetDefault("logging.maxbackups", 3)
	v.SetDefault("logging.maxagedays", 28)

	v.SetDefault("database.path", "data/guardian.db")

	v.SetDefault("events.retention.enabled", true)
	v.SetDefault("events.retention.retentiondays", 30)
	v.SetDefault("events.retention.intervalms", int64(6*60*60*1000))
	v.SetDefault("events.retention.archivedir", "data/archive")
	v.SetDefault("events.retention.snapshot.mode", "archive")
	v.SetDefault("events.retention.snapshot.retentiondays", 14)
	v.SetDefault("events.retention.snapshot.maxarchivespercamera", 500)
	v.SetDefault("events.retention.vacuum.mode", "auto")
	v.SetDefault("events.retention.vacuum.run", "on-change")
	v.SetDefault("events.retention.vacuum.analyze", true)
	v.SetDefault("events.retention.vacuum.reindex", false)
	v.SetDefault("events.retention.vacuum.optimize", true)

	v.SetDefault("video.framespersecond", 2.0)
	v.SetDefault("video.snapshotdirs", []string{"data/snapshots"})
	v.SetDefault("video.ffmpeg.binary", "ffmpeg")
	v.SetDefault("video.ffmpeg.inputargs", []string{"-loglevel", "error", "-nostdin"})
	v.SetDefault("video.ffmpeg.starttimeoutms", int64(15000))
	v.SetDefault("video.ffmpeg.watchdogtimeoutms", int64(30000))
	v.SetDefault("video.ffmpeg.idletimeoutms", int64(20000))
	v.SetDefault("video.ffmpeg.restartdelayms", int64(1000))
	v.SetDefault("video.ffmpeg.restartmaxdelayms", int64(60000))
	v.SetDefault("video.ffmpeg.restartjitterfactor", 0.25)
	v.SetDefault("video.ffmpeg.circuitbreakerthreshold", 10)
	v.SetDefault("video.ffmpeg.forcekilltimeoutms", int64(5000))
	v.SetDefault("video.ffmpeg.maxbufferbytes", 32*1024*1024)
	v.SetDefault("video.ffmpeg.rtsptransportsequence", []string{"tcp", "udp"})

	v.SetDefault("person.enabled", true)
	v.SetDefault("person.score", 0.5)
	v.SetDefault("person.checkeverynframes", 10)
	v.SetDefault("person.maxdetections", 3)

	v.SetDefault("motion.diffthreshold", 25.0)
	v.SetDefault("motion.areathreshold", 0.02)
	v.SetDefault("motion.minintervalms", int64(5000))
	v.SetDefault("motion.debounceframes", 2)
	v.SetDefault("motion.backoffframes", 10)
	v.SetDefault("motion.noisesmoothing", 0.05)
	v.SetDefault("motion.adaptiveareathreshold", 0.02)
	v.SetDefault("motion.baselinemultiplier", 3.0)

	v.SetDefault("audio.samplerate", 16000)
	v.SetDefault("audio.idletimeoutms", int64(15000))
	v.SetDefault("audio.anomaly.framesize", 1024)
	v.SetDefault("audio.anomaly.hopsize", 512)
	v.SetDefault("audio.anomaly.mintriggerdurationms", int64(400))
	v.SetDefault("audio.anomaly.minintervalms", int64(10000))
	v.SetDefault("audio.anomaly.baselinesmoothing", 0.05)
	v.SetDefault("audio.anomaly.thresholds.day.rms", 0.12)
	v.SetDefault("audio.anomaly.thresholds.day.centroidjump", 900.0)
	v.SetDefault("audio.anomaly.thresholds.night.rms", 0.06)
	v.SetDefault("audio.anomaly.thresholds.night.centroidjump", 600.0)
	v.SetDefault("audio.anomaly.nighthours.start", 22)
	v.SetDefault("audio.anomaly.nighthours.end", 6)
	v.SetDefault("audio.anomaly.blendminutes", 30)

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.staticdir", "static")
	v.SetDefault("http.snapshotcachemaxage", 3600)
	v.SetDefault("http.ssemaxbacklogbytes", 1<<20)
}
