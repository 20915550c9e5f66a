package server

import (
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/jobs"
	"reading-assessment/internal/transcription"
)

// Multipart field names of the upload endpoints.
const (
	fieldAudio        = "audio_file"
	fieldAudioAlias   = "audio"
	fieldBatchAudio   = "audio_files"
	fieldExpectedText = "expected_text"
	fieldExpectedWPM  = "expected_wpm"
	fieldModel        = "model"
)

// uploadForm holds the text fields shared by every upload endpoint.
type uploadForm struct {
	ExpectedText string
	ExpectedWPM  float64
	Model        string
}

// parseMultipart bounds the body to limit bytes and parses it.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewInvalidInputErrorf("upload exceeds %d bytes", tooLarge.Limit)
		}
		return errors.NewInvalidInputErrorf("invalid multipart form: %v", err)
	}
	return nil
}

func (s *Server) readForm(r *http.Request) (*uploadForm, error) {
	form := &uploadForm{
		ExpectedText: r.FormValue(fieldExpectedText),
		ExpectedWPM:  s.config.DefaultExpectedWPM,
		Model:        strings.TrimSpace(r.FormValue(fieldModel)),
	}
	if form.Model == "" {
		form.Model = s.config.DefaultModel
	}

	if raw := strings.TrimSpace(r.FormValue(fieldExpectedWPM)); raw != "" {
		wpm, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(wpm) || math.IsInf(wpm, 0) {
			return nil, errors.NewInvalidInputErrorf("expected_wpm: %q is not a number", raw)
		}
		if wpm <= 0 {
			return nil, errors.NewInvalidInputErrorf("expected_wpm: must be positive, got %v", wpm)
		}
		form.ExpectedWPM = wpm
	}
	return form, nil
}

// singleAudio returns the one uploaded file, accepting either field name.
func (s *Server) singleAudio(r *http.Request) (transcription.Audio, error) {
	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File[fieldAudio]
		if len(headers) == 0 {
			headers = r.MultipartForm.File[fieldAudioAlias]
		}
	}
	if len(headers) == 0 {
		return transcription.Audio{}, errors.NewInvalidInputErrorf("%s: file is required", fieldAudio)
	}

	audio, err := readAudio(headers[0])
	if err != nil {
		return transcription.Audio{}, err
	}
	if len(audio.Data) == 0 {
		return transcription.Audio{}, errors.NewInvalidInputError(fmt.Sprintf("%s: file is empty", audio.Filename))
	}
	if int64(len(audio.Data)) > s.config.MaxUploadBytes {
		return transcription.Audio{}, errors.NewInvalidInputErrorf("%s: file exceeds %d bytes", audio.Filename, s.config.MaxUploadBytes)
	}
	if !jobs.IsAudioContentType(audio.ContentType) {
		return transcription.Audio{}, errors.NewUnsupportedMediaError(audio.Filename, audio.ContentType)
	}
	return audio, nil
}

func readAudio(fh *multipart.FileHeader) (transcription.Audio, error) {
	audio := transcription.Audio{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
	}
	f, err := fh.Open()
	if err != nil {
		return audio, errors.NewInvalidInputErrorf("%s: cannot open upload: %v", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return audio, errors.NewInvalidInputErrorf("%s: cannot read upload: %v", fh.Filename, err)
	}
	audio.Data = data
	return audio, nil
}
