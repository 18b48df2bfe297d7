// Package boot is the loader's control logic: the boot decision, the
// single-key command menu, routing of received chunks to the Xmodem receiver
// or the version parser, the install (commit) path and the application jump.
//
// The Machine owns no loop. An embedding harness calls OnBytes for every
// chunk taken from the receive ring and OnTick with the time elapsed since
// the previous tick. Both run to completion.
//
// Each Mode stands for one combination of the loader's state flags:
//
//	handshake + packet receive                      ModeDirectTransfer
//	handshake + packet receive + external target    ModeStagedTransfer
//	version entry                                   ModeVersionEntry
//	slot select for download                        ModeSelectDownloadSlot
//	slot select for install                         ModeSelectCommitSlot
//	commit pending                                  ModeCommit
//
// Whether a transfer is still polling for its first packet is tracked by the
// receiver's Phase.
package boot
