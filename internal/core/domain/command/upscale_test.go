package command

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockUpscaler struct {
	mock.Mock
}

func (m *MockUpscaler) UpscaleFile(ctx context.Context, inputPath, outputPath string, req domain.ScaleRequest,
	sink port.ProgressSink) (string, error) {
	args := m.Called(ctx, inputPath, outputPath, req, sink)
	return args.String(0), args.Error(1)
}

func (m *MockUpscaler) UpscaleImage(ctx context.Context, img image.Image, req domain.ScaleRequest,
	sink port.ProgressSink) (*port.UpscaleResult, error) {
	args := m.Called(ctx, img, req, sink)
	res, _ := args.Get(0).(*port.UpscaleResult)
	return res, args.Error(1)
}

type MockImageSender struct {
	mock.Mock
}

func (m *MockImageSender) SendImageFileReply(ctx context.Context, message *domain.Message, filename string,
	file []byte) error {
	args := m.Called(ctx, message, filename, file)
	return args.Error(0)
}

type MockDownloader struct {
	mock.Mock
}

func (m *MockDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	args := m.Called(ctx, url)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type imagingCodec struct{}

func (imagingCodec) Decode(r io.Reader) (image.Image, error) {
	return imaging.Decode(r)
}

func (imagingCodec) Encode(w io.Writer, img image.Image, _ domain.Format) error {
	return imaging.Encode(w, img, imaging.PNG)
}

type recordingObserver struct {
	errs []error
}

func (o *recordingObserver) ObserveRequest(_ string, err error) {
	o.errs = append(o.errs, err)
}

func encodedImage(t *testing.T, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.PNG))

	return buf.Bytes()
}

type upscaleFixture struct {
	upscaler   *MockUpscaler
	sender     *MockSender
	images     *MockImageSender
	downloader *MockDownloader
	observer   *recordingObserver
	cmd        *Upscale
}

func newUpscaleFixture() *upscaleFixture {
	f := &upscaleFixture{
		upscaler:   new(MockUpscaler),
		sender:     new(MockSender),
		images:     new(MockImageSender),
		downloader: new(MockDownloader),
		observer:   &recordingObserver{},
	}
	f.cmd = NewUpscale(f.upscaler, imagingCodec{}, f.downloader, f.sender, f.images, f.observer, "/upscale")

	return f
}

func TestUpscale_Respond_Success(t *testing.T) {
	f := newUpscaleFixture()

	msg := &domain.Message{ID: 7, ChatID: 99, Text: "/upscale 8x anime jpg", ImageURL: "https://example.com/p.jpg"}
	status := domain.SuccessStatus(10, 10, 80, 80, 8)

	f.downloader.On("Download", mock.Anything, msg.ImageURL).Return(encodedImage(t, 10, 10), nil).Once()
	f.upscaler.On("UpscaleImage", mock.Anything,
		mock.MatchedBy(func(img image.Image) bool { return img.Bounds().Dx() == 10 }),
		domain.ScaleRequest{Scale: 8, Model: "anime", Format: domain.FormatJPG},
		mock.Anything).
		Return(&port.UpscaleResult{Image: imaging.New(80, 80, color.White), Status: status}, nil).
		Once()
	f.images.On("SendImageFileReply", mock.Anything, msg, "upscaled_7_8x.jpg",
		mock.MatchedBy(func(b []byte) bool { return len(b) > 0 })).
		Return(nil).
		Once()
	f.sender.On("SendMessageReply", mock.Anything, msg, status).Return(8, nil).Once()

	err := f.cmd.Respond(context.Background(), time.Second, msg)
	require.NoError(t, err)

	f.downloader.AssertExpectations(t)
	f.upscaler.AssertExpectations(t)
	f.images.AssertExpectations(t)
	f.sender.AssertExpectations(t)
	require.Len(t, f.observer.errs, 1)
	assert.NoError(t, f.observer.errs[0])
}

func TestUpscale_Respond_Errors(t *testing.T) {
	tests := []struct {
		name     string
		message  *domain.Message
		setup    func(f *upscaleFixture)
		wantKind domain.ErrorKind
	}{
		{
			name:     "missing image",
			message:  &domain.Message{ID: 1, ChatID: 2, Text: "/upscale"},
			setup:    func(_ *upscaleFixture) {},
			wantKind: domain.KindSourceNotFound,
		},
		{
			name:     "bad argument",
			message:  &domain.Message{ID: 1, ChatID: 2, Text: "/upscale big anime fast", ImageURL: "u"},
			setup:    func(_ *upscaleFixture) {},
			wantKind: domain.KindInvalidRequest,
		},
		{
			name:    "download failure",
			message: &domain.Message{ID: 1, ChatID: 2, Text: "/upscale", ImageURL: "u"},
			setup: func(f *upscaleFixture) {
				f.downloader.On("Download", mock.Anything, "u").Return(nil, errors.New("404")).Once()
			},
			wantKind: domain.KindSourceNotFound,
		},
		{
			name:    "not an image",
			message: &domain.Message{ID: 1, ChatID: 2, Text: "/upscale", ImageURL: "u"},
			setup: func(f *upscaleFixture) {
				f.downloader.On("Download", mock.Anything, "u").Return([]byte("nope"), nil).Once()
			},
			wantKind: domain.KindInvalidRequest,
		},
		{
			name:    "unsupported scale from orchestrator",
			message: &domain.Message{ID: 1, ChatID: 2, Text: "/upscale 3x", ImageURL: "u"},
			setup: func(f *upscaleFixture) {
				f.downloader.On("Download", mock.Anything, "u").Return(encodedImage(t, 2, 2), nil).Once()
				f.upscaler.On("UpscaleImage", mock.Anything, mock.Anything,
					domain.ScaleRequest{Scale: 3, Format: domain.FormatPNG}, mock.Anything).
					Return(nil, domain.NewError(domain.KindUnsupportedScale, domain.StageValidate,
						"scale must be 2, 4, or 8, got: 3", nil)).
					Once()
			},
			wantKind: domain.KindUnsupportedScale,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newUpscaleFixture()
			tc.setup(f)

			f.sender.On("NotifyAndReturnError", mock.Anything,
				mock.MatchedBy(func(err error) bool { return domain.KindOf(err) == tc.wantKind }),
				tc.message).
				Return(errors.New("notified")).
				Once()

			err := f.cmd.Respond(context.Background(), time.Second, tc.message)
			require.EqualError(t, err, "notified")

			f.sender.AssertExpectations(t)
			f.downloader.AssertExpectations(t)
			f.upscaler.AssertExpectations(t)
			f.images.AssertNotCalled(t, "SendImageFileReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			require.Len(t, f.observer.errs, 1)
			assert.Equal(t, tc.wantKind, domain.KindOf(f.observer.errs[0]))
		})
	}
}

func TestParseUpscaleArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     string
		want     domain.ScaleRequest
		wantKind domain.ErrorKind
	}{
		{
			name: "defaults",
			args: "",
			want: domain.ScaleRequest{Scale: 4, Format: domain.FormatPNG},
		},
		{
			name: "all arguments",
			args: "8x fast webp",
			want: domain.ScaleRequest{Scale: 8, Model: "fast", Format: domain.FormatWebP},
		},
		{
			name: "any order",
			args: "JPEG realesrgan-x4plus-anime 2",
			want: domain.ScaleRequest{Scale: 2, Model: "realesrgan-x4plus-anime", Format: domain.FormatJPG},
		},
		{
			name: "unsupported scale passes through",
			args: "16x",
			want: domain.ScaleRequest{Scale: 16, Format: domain.FormatPNG},
		},
		{
			name:     "two models",
			args:     "anime fast",
			wantKind: domain.KindInvalidRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseUpscaleArgs(tc.args)
			if tc.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantKind, domain.KindOf(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
