package database

const (
	messageColumns = "id::text AS id, room_id, sender_id, content, read_by, created_at"

	fetchHistoryQuery = "SELECT " + messageColumns + " FROM messages WHERE room_id = $1 ORDER BY created_at ASC, id ASC"

	insertMessageQuery = "INSERT INTO messages (room_id, sender_id, content, read_by) " +
		"VALUES ($1, $2, $3, ARRAY[$2::text]) RETURNING " + messageColumns

	// markReadQuery only touches rows the viewer has not read yet, so repeated
	// calls do not rewrite rows or fire the notify trigger again.
	markReadQuery = "UPDATE messages SET read_by = array_append(read_by, $2::text) " +
		"WHERE id = ANY($1::bigint[]) AND sender_id <> $2 AND NOT ($2 = ANY(read_by))"

	fetchUnreadQuery = "SELECT " + messageColumns + " FROM messages " +
		"WHERE room_id IN (SELECT room_id FROM room_participants WHERE user_id = $1) " +
		"AND sender_id <> $1 AND NOT ($1 = ANY(read_by)) ORDER BY created_at ASC"

	listConversationsQuery = `SELECT r.id AS room_id, r.job_id,
		ARRAY(SELECT rp.user_id FROM room_participants rp WHERE rp.room_id = r.id ORDER BY rp.user_id) AS participants,
		(SELECT COUNT(*) FROM messages m WHERE m.room_id = r.id AND m.sender_id <> $1 AND NOT ($1 = ANY(m.read_by))) AS unread
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id AND p.user_id = $1
		ORDER BY r.created_at DESC`

	lastMessagesQuery = "SELECT DISTINCT ON (room_id) " + messageColumns +
		" FROM messages WHERE room_id = ANY($1) ORDER BY room_id, created_at DESC, id DESC"

	notificationColumns = "id::text AS id, recipient_id, actor_id, kind, job_id, is_read, created_at"

	fetchNotificationsQuery = "SELECT " + notificationColumns +
		" FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT 50"

	markNotificationReadQuery = "UPDATE notifications SET is_read = TRUE WHERE id = $1::bigint"

	markAllNotificationsReadQuery = "UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND is_read = FALSE"

	deleteNotificationQuery = "DELETE FROM notifications WHERE id = $1::bigint"

	getProfileQuery = "SELECT id, display_name, avatar_url FROM profiles WHERE id = $1"
)
