// Package remote talks HTTP to network-attached devices.
//
// Devices expose a small web interface protected by fixed basic-auth
// credentials:
//
//	POST /firmware                      multipart firmware image
//	POST /upload                        multipart support or config file
//	GET  /set?id=sys&key=log&value=bcast   start UDP log broadcast
//
// The multipart field the firmware endpoint expects depends on the
// device's FlashModus capability; see FirmwareField.
package remote
