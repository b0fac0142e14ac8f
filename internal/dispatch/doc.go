// Package dispatch drives transfers to a selected device.
//
// For every request the Dispatcher picks the transfer path from the
// device's transport:
//
//	USB firmware      ROM bootloader flash via the flasher package; zip
//	                  archives flash each entry at the hex address its
//	                  name encodes, other files at 0x0
//	USB files         segmented serial transfer (transfer package)
//	network firmware  HTTP multipart POST /firmware, field chosen by the
//	                  device's FlashModus
//	network files     HTTP multipart POST /upload
//
// Remote artifacts are resolved through the download cache first. Each
// accepted request runs as its own Task and reports Events on the task's
// channel and to every registered Sink. At most one task per Kind runs at
// a time; a second request for a busy kind is rejected with ErrBusy.
// Running tasks cannot be cancelled.
package dispatch
