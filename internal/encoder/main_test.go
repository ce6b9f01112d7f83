package encoder

import (
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakeModeEnv switches the test binary into a stand-in for ffmpeg. The
// manager is pointed at os.Args[0], so every spawned "encoder" is this
// binary running fakeFFmpeg instead of the tests.
const fakeModeEnv = "BITRIVER_RELAY_FAKE_FFMPEG"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(fakeFFmpeg(mode))
	}
	goleak.VerifyTestMain(m)
}

func fakeFFmpeg(mode string) int {
	progress := func(frame int) {
		fmt.Fprintf(os.Stdout, "frame=%d\nfps=30.00\nout_time_us=%d\ntotal_size=%d\nbitrate=2500.0kbits/s\nspeed=1.00x\nprogress=continue\n", frame, frame*33333, frame*1024)
	}
	switch mode {
	case "progress":
		for frame := 1; ; frame++ {
			progress(frame)
			time.Sleep(20 * time.Millisecond)
		}
	case "banner":
		fmt.Fprintln(os.Stderr, "Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'clip.mp4':")
		fmt.Fprintln(os.Stderr, "Output #0, flv, to 'rtmp://ingest.local/live2/key':")
		time.Sleep(time.Hour)
	case "silent":
		time.Sleep(time.Hour)
	case "exit-early":
		fmt.Fprintln(os.Stderr, "rtmp://ingest.local/live2/key: Connection refused")
		return 1
	case "finish":
		progress(1)
		fmt.Fprintln(os.Stdout, "progress=end")
		time.Sleep(100 * time.Millisecond)
		return 0
	case "crash":
		progress(1)
		time.Sleep(150 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "av_interleaved_write_frame(): Broken pipe")
		return 3
	}
	return 2
}
