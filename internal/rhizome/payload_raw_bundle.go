package rhizome

import "io"

// PayloadRawBundle is one successful retrieval of a bundle's manifest and its
// raw payload, exactly as stored.
//
// The value is immutable. The payload stream is the exception: whoever holds
// the PayloadRawBundle owns the stream and must close it once, on every exit
// path. Nothing here enforces that.
type PayloadRawBundle struct {
	manifest   *Manifest
	rawPayload io.ReadCloser
	rowID      *int64
	insertTime *int64
	author     *SubscriberID
	secret     *BundleSecret
}

// NewPayloadRawBundle assigns its arguments to the new value as given. Nil
// optional arguments mean the datum is absent.
func NewPayloadRawBundle(
	manifest *Manifest,
	rawPayload io.ReadCloser,
	rowID *int64,
	insertTime *int64,
	author *SubscriberID,
	secret *BundleSecret,
) *PayloadRawBundle {
	return &PayloadRawBundle{
		manifest:   manifest,
		rawPayload: rawPayload,
		rowID:      rowID,
		insertTime: insertTime,
		author:     author,
		secret:     secret,
	}
}

func (b *PayloadRawBundle) Manifest() *Manifest { return b.manifest }

// RawPayload returns the payload stream, positioned at its first byte.
func (b *PayloadRawBundle) RawPayload() io.ReadCloser { return b.rawPayload }

func (b *PayloadRawBundle) RowID() (int64, bool) {
	if b.rowID == nil {
		return 0, false
	}
	return *b.rowID, true
}

// InsertTime is when the bundle was stored, in milliseconds since epoch.
func (b *PayloadRawBundle) InsertTime() (int64, bool) {
	if b.insertTime == nil {
		return 0, false
	}
	return *b.insertTime, true
}

// Author is absent for anonymous bundles and when authorship is unknown.
func (b *PayloadRawBundle) Author() (SubscriberID, bool) {
	if b.author == nil {
		return SubscriberID{}, false
	}
	return *b.author, true
}

// Secret is absent unless the bundle secret is held locally.
func (b *PayloadRawBundle) Secret() (BundleSecret, bool) {
	if b.secret == nil {
		return BundleSecret{}, false
	}
	return *b.secret, true
}
