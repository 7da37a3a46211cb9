// Package secure keeps API key material encrypted in memory while a rotation
// run holds it.
//
// Keys are stored in memguard enclaves and only decrypted into locked buffers
// for the duration of a single read. Call memguard.Purge at process exit to
// wipe everything that is still allocated.
package secure
