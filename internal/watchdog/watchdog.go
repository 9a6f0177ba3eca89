// Package watchdog feeds the Linux watchdog device while long flash erases run.
//
//	wd, err := watchdog.Open(watchdog.Dev)
//	if err != nil { ... }
//	defer wd.MagicClose()
//	dev := flash.NewDevice(backend, flash.WithWatchdog(wd))
//
// Opening the device arms the watchdog; MagicClose disarms it.
package watchdog

// Dev is the first watchdog. Further ones are /dev/watchdog0, /dev/watchdog1, ...
const Dev = "/dev/watchdog"
