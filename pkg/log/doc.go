/*
Package log provides structured logging shared by every component of the
resource daemon using zerolog.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	storeLog := log.WithComponent("entitystore")
	storeLog.Info().Uint64("revision", 42).Msg("committed")

Component loggers (WithComponent, WithInstance, WithUID, WithRevision) are
created once at construction time and passed down explicitly; there is no
implicit per-package global beyond the one seeded by Init, matching the
module's rule against hidden singletons (likewise every pkg/broker instance
is constructed explicitly by its owner rather than held in a global).
*/
package log
