package xclient

// X DOM selectors. Kept together because X changes its markup often;
// update these first when extraction breaks.
const (
	selPrimaryColumn = `[data-testid="primaryColumn"]`
	selTweetArticle  = `article[data-testid="tweet"]`
	selTweetText     = `[data-testid="tweetText"]`
	selUserName      = `[data-testid="User-Name"]`
	selStatusLink    = `a[href*="/status/"]`

	selLike     = `[data-testid="like"]`
	selUnlike   = `[data-testid="unlike"]`
	selFollow   = `[data-testid$="-follow"]`
	selUnfollow = `[data-testid$="-unfollow"]`

	selLoginButton = `[data-testid="loginButton"]`
	selEmptyState  = `[data-testid="emptyState"]`
)

const baseURL = "https://x.com"
