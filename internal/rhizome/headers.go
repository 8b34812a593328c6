package rhizome

// Response headers describing a bundle on the REST API.
const (
	HeaderBundleID         = "Serval-Rhizome-Bundle-Id"
	HeaderBundleVersion    = "Serval-Rhizome-Bundle-Version"
	HeaderBundleFilesize   = "Serval-Rhizome-Bundle-Filesize"
	HeaderBundleFilehash   = "Serval-Rhizome-Bundle-Filehash"
	HeaderBundleService    = "Serval-Rhizome-Bundle-Service"
	HeaderBundleName       = "Serval-Rhizome-Bundle-Name"
	HeaderBundleDate       = "Serval-Rhizome-Bundle-Date"
	HeaderBundleSender     = "Serval-Rhizome-Bundle-Sender"
	HeaderBundleRecipient  = "Serval-Rhizome-Bundle-Recipient"
	HeaderBundleRowID      = "Serval-Rhizome-Bundle-Rowid"
	HeaderBundleInsertTime = "Serval-Rhizome-Bundle-Inserttime"
	HeaderBundleAuthor     = "Serval-Rhizome-Bundle-Author"
	HeaderBundleSecret     = "Serval-Rhizome-Bundle-Secret"
	// HeaderBundleManifest carries the base64 wire form of the manifest.
	HeaderBundleManifest = "Serval-Rhizome-Bundle-Manifest"
)
