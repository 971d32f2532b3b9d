package flv

import (
	"github.com/pkg/errors"

	"github.com/livego/rtmpsrv/av"
)

var (
	ErrAvcEndSEQ = errors.New("avc end sequence")
)

type Demuxer struct {
}

func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// DemuxH 는 태그 헤더만 해석한다. 드롭 가능 여부 판단처럼 본문이 필요 없을 때 쓴다.
func (d *Demuxer) DemuxH(m av.Media) (*Tag, error) {
	var tag Tag
	if _, err := tag.ParseMediaTagHeader(m.Data, m.Type == av.Video); err != nil {
		return nil, err
	}
	tag.flvt.dataSize = uint32(len(m.Data))
	tag.flvt.timeStamp = m.Timestamp
	return &tag, nil
}

// Demux 는 헤더를 해석하고 코덱 본문(AVC NALU, AAC raw 등)을 돌려준다.
// 본문은 m.Data 를 가리킨다.
func (d *Demuxer) Demux(m av.Media) (*Tag, []byte, error) {
	var tag Tag
	n, err := tag.ParseMediaTagHeader(m.Data, m.Type == av.Video)
	if err != nil {
		return nil, nil, err
	}
	tag.flvt.dataSize = uint32(len(m.Data))
	tag.flvt.timeStamp = m.Timestamp
	if tag.IsEndOfSeq() {
		return &tag, nil, ErrAvcEndSEQ
	}
	return &tag, m.Data[n:], nil
}
