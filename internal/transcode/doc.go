// Package transcode shrinks call recordings with ffmpeg so they fit under the
// webhook's upload limit.
//
// The profile is fixed per process (bitrate, sample rate, channel count and a
// hard output-size ceiling). Anything other than a clean exit with a non-empty
// output at or below the ceiling is reported as ErrTranscodeFailed. Callers
// treat that as "no attachment" and do not retry: the same input with the same
// profile gives the same result.
package transcode
