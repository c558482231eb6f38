// Package pixel defines the pixel formats understood by texshare and the
// CPU-side copy routines shared by every transfer tier.
//
// The copy routines fold the three per-frame corrections into a single
// row traversal: vertical flip, R/B channel-order swap, and removal of
// row-pitch padding. Formats are deliberately few — frames move between
// processes byte-for-byte, and the only conversion texshare performs is
// the RGBA8 <-> BGRA8 channel swap.
package pixel
