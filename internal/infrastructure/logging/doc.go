// Package logging builds the daemon's zap logger.
//
// Production mode writes JSON lines; development mode writes colored
// console output. Components take named children:
//
//	log := logging.NewDefault()
//	busLog := log.Component("bus")
//	busLog.Info("pipe created", zap.String("pipe", name))
//
// The level can be changed at runtime through SetLevel, which the admin
// API exposes.
package logging
