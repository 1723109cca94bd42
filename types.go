package flatblocks

import "unicode/utf8"

const (
	MaxSlugLen   = 255
	MaxHeaderLen = 255
)

// FlatBlock is a single named piece of content.
type FlatBlock struct {
	ID      int64  `json:"id" cbor:"id" msgpack:"id"`
	Slug    string `json:"slug" cbor:"slug" msgpack:"slug"`
	Header  string `json:"header,omitempty" cbor:"header,omitempty" msgpack:"header,omitempty"`
	Content string `json:"content,omitempty" cbor:"content,omitempty" msgpack:"content,omitempty"`
}

// BlockSet is a named, ordered collection of flat blocks.
type BlockSet struct {
	ID     int64  `json:"id" cbor:"id" msgpack:"id"`
	Slug   string `json:"slug" cbor:"slug" msgpack:"slug"`
	Header string `json:"header,omitempty" cbor:"header,omitempty" msgpack:"header,omitempty"`
}

// BlockSetItem places a flat block in a block set at Position.
// Positions need not be unique; equal positions keep insertion (ID) order.
type BlockSetItem struct {
	ID          int64 `json:"id"`
	BlockSetID  int64 `json:"blockset_id"`
	FlatBlockID int64 `json:"flatblock_id"`
	Position    int   `json:"position"`
}

// BlockSetView is a block set together with its blocks in display order.
// It is the value cached under the blockset namespace.
type BlockSetView struct {
	Set    BlockSet    `json:"set" cbor:"set" msgpack:"set"`
	Blocks []FlatBlock `json:"blocks" cbor:"blocks" msgpack:"blocks"`
}

func (f *FlatBlock) Validate() error {
	if err := validateSlug(f.Slug); err != nil {
		return err
	}
	if utf8.RuneCountInString(f.Header) > MaxHeaderLen {
		return &ValidationError{Field: "header", Reason: "longer than 255 characters"}
	}
	return nil
}

func (s *BlockSet) Validate() error {
	if err := validateSlug(s.Slug); err != nil {
		return err
	}
	if utf8.RuneCountInString(s.Header) > MaxHeaderLen {
		return &ValidationError{Field: "header", Reason: "longer than 255 characters"}
	}
	return nil
}

func (it *BlockSetItem) Validate() error {
	if it.Position < 0 {
		return &ValidationError{Field: "position", Reason: "must not be negative"}
	}
	if it.BlockSetID <= 0 {
		return &ValidationError{Field: "blockset_id", Reason: "required"}
	}
	if it.FlatBlockID <= 0 {
		return &ValidationError{Field: "flatblock_id", Reason: "required"}
	}
	return nil
}

func validateSlug(slug string) error {
	switch {
	case slug == "":
		return &ValidationError{Field: "slug", Reason: "required"}
	case utf8.RuneCountInString(slug) > MaxSlugLen:
		return &ValidationError{Field: "slug", Reason: "longer than 255 characters"}
	}
	return nil
}
