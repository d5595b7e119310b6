// Package archive reads content archives produced by the packaging tool.
//
// A content archive is a zip file holding a metadata record
// (IntuneWinPackage/Metadata/Detection.xml) and an encrypted payload
// (IntuneWinPackage/Contents/<file name>). Reader locates and parses both,
// whether given the packed archive or a directory it was extracted to, and
// guarantees the scratch directory used for extraction is removed.
package archive
