// Package process runs short-lived helper programs and streams their output.
//
// The flasher shells out to esptool for chip detection, erase and image
// writes. Each invocation is a one-shot child process whose stdout and
// stderr are split into lines (on '\n' or '\r', since progress meters
// overwrite in place) and delivered to a callback as they arrive.
//
// Features:
//   - Context cancellation with SIGTERM to the whole process group, then
//     SIGKILL after a grace period
//   - Serialised line delivery from both streams
//   - A bounded tail of recent output kept for error reporting
//
// Example usage:
//
//	r := process.NewRunner(process.Config{Name: "esptool", Binary: "esptool.py"})
//	res, err := r.Run(ctx, []string{"--port", "/dev/ttyUSB0", "chip_id"},
//	    func(l process.Line) { fmt.Println(l.Text) })
package process
