package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/session"
)

const dateLayout = "2006-01-02"

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run an extraction session in the foreground",
}

// -- extract hotels --

var extractHotelsCmd = &cobra.Command{
	Use:   "hotels",
	Short: "Search a site for hotels, optionally fetching room rates for the top results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := requestFromFlags(cmd.Flags(), false)
		if err != nil {
			return err
		}
		return runExtraction(cmd, req)
	},
}

// -- extract rooms --

var extractRoomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Fetch room rates for known hotels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := requestFromFlags(cmd.Flags(), true)
		if err != nil {
			return err
		}
		return runExtraction(cmd, req)
	},
}

func runExtraction(cmd *cobra.Command, req session.Request) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEnv(ctx, "extract")
	if err != nil {
		return err
	}
	defer env.Close()

	sess, err := env.Manager.Create(ctx, req)
	if err != nil {
		return eris.Wrap(err, "extract")
	}
	zap.L().Info("extraction started",
		zap.String("session_id", sess.ID),
		zap.String("site", string(sess.Site)),
		zap.Int("tasks", len(sess.Tasks)),
	)

	final, err := env.Manager.Run(ctx, sess.ID)
	if err != nil {
		return eris.Wrap(err, "extract")
	}
	formatSessionSummary(os.Stdout, final)
	return sessionExitError(final)
}

// sessionExitError turns a FAILED session into a non-zero exit.
func sessionExitError(sess *model.Session) error {
	if sess.Status == model.SessionFailed {
		return eris.Errorf("session %s failed; run `rate-harvest resume %s` to retry", sess.ID, sess.ID)
	}
	return nil
}

// requestFromFlags builds a session request. roomsOnly requires hotel ids
// and drops the search-only options.
func requestFromFlags(fs *pflag.FlagSet, roomsOnly bool) (session.Request, error) {
	var req session.Request

	trip, _ := fs.GetString("trip")
	siteName, _ := fs.GetString("site")
	site, err := model.ParseSite(siteName)
	if err != nil {
		return req, err
	}

	checkIn, err := parseDate(fs, "check-in")
	if err != nil {
		return req, err
	}
	checkOut, err := parseDate(fs, "check-out")
	if err != nil {
		return req, err
	}

	dest, _ := fs.GetString("destination")
	origin, _ := fs.GetString("origin")
	adults, _ := fs.GetInt("adults")
	children, _ := fs.GetInt("children")
	childAges, _ := fs.GetIntSlice("child-ages")
	rooms, _ := fs.GetInt("rooms")

	req = session.Request{
		TripID: trip,
		Site:   site,
		Search: model.SearchParams{
			Destination: dest,
			CheckIn:     checkIn,
			CheckOut:    checkOut,
			Origin:      origin,
			Occupancy: model.Occupancy{
				Adults:    adults,
				Children:  children,
				ChildAges: childAges,
				Rooms:     rooms,
			},
		},
	}

	if roomsOnly {
		ids, _ := fs.GetStringSlice("hotel-ids")
		if len(ids) == 0 {
			return req, eris.New("--hotel-ids is required")
		}
		req.Options.HotelIDs = ids
		return req, nil
	}

	req.Options.MaxHotels, _ = fs.GetInt("max-hotels")
	req.Options.MinPrice, _ = fs.GetFloat64("min-price")
	req.Options.MaxPrice, _ = fs.GetFloat64("max-price")
	req.Options.MinStars, _ = fs.GetFloat64("min-stars")
	req.Options.FetchRooms, _ = fs.GetBool("fetch-rooms")
	return req, nil
}

func parseDate(fs *pflag.FlagSet, name string) (time.Time, error) {
	v, _ := fs.GetString(name)
	if v == "" {
		return time.Time{}, eris.Errorf("--%s is required", name)
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "--%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func addSearchFlags(fs *pflag.FlagSet) {
	fs.String("trip", "", "trip id the session belongs to")
	fs.String("site", "", "site to extract from (navitrip, trisept, vax)")
	fs.String("destination", "", "destination code or name")
	fs.String("check-in", "", "check-in date (YYYY-MM-DD)")
	fs.String("check-out", "", "check-out date (YYYY-MM-DD)")
	fs.String("origin", "", "departure airport for package sites")
	fs.Int("adults", 2, "number of adults")
	fs.Int("children", 0, "number of children")
	fs.IntSlice("child-ages", nil, "child ages, comma separated")
	fs.Int("rooms", 1, "number of rooms")
}

func init() {
	addSearchFlags(extractHotelsCmd.Flags())
	extractHotelsCmd.Flags().Int("max-hotels", 0, "stop after this many hotels (0 = no limit)")
	extractHotelsCmd.Flags().Float64("min-price", 0, "drop hotels below this lead price")
	extractHotelsCmd.Flags().Float64("max-price", 0, "drop hotels above this lead price")
	extractHotelsCmd.Flags().Float64("min-stars", 0, "drop hotels below this star rating")
	extractHotelsCmd.Flags().Bool("fetch-rooms", false, "fetch room rates for the top-ranked hotels")

	addSearchFlags(extractRoomsCmd.Flags())
	extractRoomsCmd.Flags().StringSlice("hotel-ids", nil, "site-local hotel ids, comma separated")

	extractCmd.AddCommand(extractHotelsCmd)
	extractCmd.AddCommand(extractRoomsCmd)
	rootCmd.AddCommand(extractCmd)
}
