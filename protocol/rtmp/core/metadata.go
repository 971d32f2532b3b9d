package core

import (
	"math"

	"github.com/livego/rtmpsrv/av"
)

// ParseMetadata 는 onMetaData 객체에서 알고 있는 필드만 꺼낸다.
// 숫자가 아닌 코덱 ID(예: "avc1") 처럼 형식이 다른 값은 없는 것으로 취급한다.
func ParseMetadata(obj map[string]interface{}) av.Metadata {
	var md av.Metadata
	u32 := func(keys ...string) *uint32 {
		for _, k := range keys {
			if f, ok := amfNumber(obj, k); ok && f >= 0 && f <= math.MaxUint32 {
				v := uint32(f)
				return &v
			}
		}
		return nil
	}

	md.VideoWidth = u32("width")
	md.VideoHeight = u32("height")
	md.VideoCodecID = u32("videocodecid")
	md.VideoBitrateKbps = u32("videodatarate")
	md.AudioCodecID = u32("audiocodecid")
	md.AudioBitrateKbps = u32("audiodatarate")
	md.AudioSampleRate = u32("audiosamplerate")
	md.AudioChannels = u32("audiochannels")

	for _, k := range []string{"framerate", "fps"} {
		if f, ok := amfNumber(obj, k); ok {
			v := float32(f)
			md.VideoFrameRate = &v
			break
		}
	}
	if b, ok := amfBool(obj, "stereo"); ok {
		md.AudioIsStereo = &b
	}
	if s, ok := amfString(obj, "encoder"); ok {
		md.Encoder = &s
	}
	return md
}
